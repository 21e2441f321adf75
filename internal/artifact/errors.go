package artifact

import (
	"errors"
	"fmt"
)

// ErrArtifactNotFound is returned by a BackingStore that has no such artifact.
var ErrArtifactNotFound = errors.New("artifact not found")

// ErrCacheFull is returned on a miss when every entry is leased out.
var ErrCacheFull = errors.New("artifact cache full: all entries in use")

// ErrCacheClosed is returned after Close.
var ErrCacheClosed = errors.New("artifact cache closed")

// LoadError wraps a fetch or load failure for a key.
type LoadError struct {
	Key Key
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("artifact load failed for %s: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadFailed reports whether err is a LoadError.
func IsLoadFailed(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// IsNotFound reports whether the artifact does not exist in the backing store.
func IsNotFound(err error) bool { return errors.Is(err, ErrArtifactNotFound) }
