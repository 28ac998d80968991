package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// WorkQueueCursor paginates the admin WorkQueue listing keyset-style, the
// same base64url(JSON) shape the teacher used for its Event/Job cursors.
type WorkQueueCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

func EncodeWorkQueueCursor(createdAt time.Time, id string) (string, error) {
	b, err := json.Marshal(WorkQueueCursor{CreatedAt: createdAt, ID: id})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeWorkQueueCursor(cursor string) (WorkQueueCursor, error) {
	if cursor == "" {
		return WorkQueueCursor{}, errors.New("empty cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return WorkQueueCursor{}, err
	}
	var c WorkQueueCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return WorkQueueCursor{}, err
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return WorkQueueCursor{}, errors.New("invalid cursor payload")
	}
	return c, nil
}

// IsUUID reports whether s parses as a UUID of any version, the admin
// handlers' path-parameter guard before a store lookup.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
