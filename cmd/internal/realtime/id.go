package realtime

import (
	"time"

	"chatrooms/cmd/identity/ids"
)

// NewConnID returns a ULID identifying one websocket connection in logs.
func NewConnID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ids.MustULID()
	}
	return id
}
