package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

func NewMessageID() string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return "qm_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// NewRequestID is a bare ULID for correlating API log lines.
func NewRequestID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
