package protocol

import "time"

// NowSecs returns the current Unix timestamp in seconds.
func NowSecs() int64 {
	return time.Now().Unix()
}

// NowMillis returns the current Unix timestamp in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// TTL computes an expiry timestamp: now plus the given number of seconds.
func TTL(seconds int64) int64 {
	return NowSecs() + seconds
}
