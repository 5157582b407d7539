// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import "slices"

// p95 returns the 95th percentile of values.
//
// Uses the last cut point of a 20-quantile split with the exclusive method
// (positions over n+1), so small samples interpolate and may extrapolate
// past the largest value. A single value is returned as-is; an empty input
// yields zero.
func p95(values []float64) float64 {
	switch len(values) {
	case 0:
		return 0
	case 1:
		return values[0]
	}
	return quantileExclusive(values, 20, 19)
}

// quantileExclusive returns cut point i (1-based) of an n-way split.
func quantileExclusive(values []float64, n, i int) float64 {
	data := slices.Clone(values)
	slices.Sort(data)

	ld := len(data)
	m := ld + 1
	j := i * m / n
	if j < 1 {
		j = 1
	} else if j > ld-1 {
		j = ld - 1
	}
	delta := i*m - j*n
	return (data[j-1]*float64(n-delta) + data[j]*float64(delta)) / float64(n)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
