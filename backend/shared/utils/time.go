package utils

import "time"

func NowUTC() time.Time {
	return time.Now().UTC()
}

// ISO formats t the way event envelopes carry timestamps.
func ISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Later returns the later of a and b.
func Later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
