// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import "time"

// computeQuartiles returns the quartiles of the sorted durations ds by
// Tukey's method: q2 is the median of ds, and q1 and q3 are the
// medians of the lower and upper halves, which include q2 when
// len(ds) is odd. ds must be non-empty.
func computeQuartiles(ds []time.Duration) (q1, q2, q3 time.Duration) {
	q2 = median(ds)
	if len(ds) == 1 {
		return q2, q2, q2
	}
	half := (len(ds) + 1) / 2
	return median(ds[:half]), q2, median(ds[len(ds)-half:])
}

func median(ds []time.Duration) time.Duration {
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return ds[mid]
	}
	a, b := ds[mid-1], ds[mid]
	// Average without overflow.
	return a/2 + b/2 + (a%2+b%2)/2
}
