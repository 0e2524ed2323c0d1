package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// Well-known per-user keys.
const (
	KeyDraftText   = "draft-text"
	KeyDraftURL    = "draft-url"
	KeySession     = "session"
	KeyLastPostURL = "last-post-url"
)

// Store is the key-value persistence used for drafts and sessions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Close gracefully shuts down the store.
	Close() error
}

// UserKey namespaces a key to a single user.
// Format: user:{userID}:{name}
func UserKey(userID int64, name string) string {
	return fmt.Sprintf("user:%d:%s", userID, name)
}
