// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces audit events in the database.
var keyPrefix = []byte("audit/")

// ErrSinkClosed is returned by a BadgerSink after Close.
var ErrSinkClosed = errors.New("audit sink closed")

// BadgerSink persists events in BadgerDB, ordered by timestamp.
//
// # Description
//
// Keys are "audit/" + big-endian Unix nanoseconds + "/" + event ID, so a
// prefix scan returns events in time order. A positive TTL lets badger
// expire old events.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerSink struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerSink returns a sink over an open database. The caller keeps
// ownership of db.
func NewBadgerSink(db *badger.DB, ttl time.Duration) *BadgerSink {
	return &BadgerSink{db: db, ttl: ttl}
}

func eventKey(e Event) []byte {
	key := make([]byte, 0, len(keyPrefix)+8+1+len(e.ID))
	key = append(key, keyPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(e.Timestamp.UnixNano()))
	key = append(key, '/')
	return append(key, e.ID...)
}

// Record implements Sink.
func (s *BadgerSink) Record(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return ErrSinkClosed
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(eventKey(e), val)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("store audit event %s: %w", e.ID, err)
	}
	return nil
}

// List returns events recorded at or after since, oldest first.
//
// # Inputs
//
//   - ctx: Checked between items.
//   - since: Lower bound. The zero time lists everything.
//   - limit: Maximum events returned. Zero or negative means no limit.
func (s *BadgerSink) List(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	if s.db.IsClosed() {
		return nil, ErrSinkClosed
	}

	seek := append([]byte{}, keyPrefix...)
	if !since.IsZero() && since.UnixNano() > 0 {
		seek = binary.BigEndian.AppendUint64(seek, uint64(since.UnixNano()))
	}

	events := []Event{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(keyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode audit event: %w", err)
			}
			events = append(events, e)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
