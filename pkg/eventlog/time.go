package eventlog

import "time"

const rfc3339Nano = time.RFC3339Nano

func nowUTC() time.Time { return time.Now().UTC() }

func parseRFC3339Nano(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(rfc3339Nano, s)
}
