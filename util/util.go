// Package util contains misc internal utilities.
package util

import "math"

// CeilSecs returns the number of whole seconds needed to cover secs,
// e.g. 2.1 => 3.  Negative inputs yield zero.
func CeilSecs(secs float64) int {
	if secs <= 0 {
		return 0
	}
	return int(math.Ceil(secs))
}
