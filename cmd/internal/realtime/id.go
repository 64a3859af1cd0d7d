package realtime

import (
	"time"

	"aegis/cmd/identity/ids"
)

// NewConnectionID returns a ULID used as the server-assigned connection id.
// ULIDs sort by admission time, which keeps the bounded kv sets and logs
// readable when debugging evictions.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
