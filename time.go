package kafka

import "time"

// timestamp converts t to milliseconds since the Unix epoch, the resolution
// MetadataSnapshot.FetchedAt is stored at.
func timestamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano() / int64(time.Millisecond)
}

// timestampToTime is timestamp's inverse.
func timestampToTime(t int64) time.Time {
	return time.Unix(t/1000, (t%1000)*int64(time.Millisecond))
}
