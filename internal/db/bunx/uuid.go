package bunx

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string for primary keys.
// Keys are generated client-side so the same schema works on SQLite, which
// has no gen_random_uuid().
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
