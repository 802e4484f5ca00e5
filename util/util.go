// Package util contains misc internal utilities.
package util

import "time"

// GetBit returns the value of a given bit of a status word, as found in a
// motor record's MSTA field
func GetBit(w uint32, bitIndex uint) bool {
	return w&(1<<bitIndex) != 0
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// MillisToDuration converts a floating point number of ms to a time.Duration
func MillisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
