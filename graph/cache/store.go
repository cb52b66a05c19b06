package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidFingerprint is returned for fingerprints that are not lowercase
// hex digests. Fingerprints name directories, so anything else is rejected.
var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// ErrCacheInconsistency matches every *CacheInconsistencyError via errors.Is.
var ErrCacheInconsistency = errors.New("cache inconsistency")

// Entry is the stored result of one successful computation.
//
// Entries are written once and read many times. The engine never evicts
// them; Store.Invalidate exists for explicit reruns.
type Entry struct {
	Fingerprint string         `json:"fingerprint"`
	Outputs     map[string]any `json:"outputs"`
	// WorkDir holds the artifacts the computation produced. Empty when the
	// computation wrote no files.
	WorkDir     string    `json:"work_dir,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store persists entries keyed by fingerprint.
//
// Implementations must be safe for concurrent use, including concurrent
// Store calls for the same fingerprint.
type Store interface {
	// Lookup returns the entry for fingerprint, or ok == false on a miss.
	Lookup(ctx context.Context, fingerprint string) (entry *Entry, ok bool, err error)

	// Store records outputs (and the artifacts under workDir) for fingerprint.
	// Storing outputs equal to an existing entry is a no-op that returns the
	// existing entry. Storing different outputs returns a
	// *CacheInconsistencyError and leaves the existing entry untouched.
	Store(ctx context.Context, fingerprint string, outputs map[string]any, workDir string) (*Entry, error)

	// Invalidate removes the entry for fingerprint. Removing a missing entry
	// is not an error.
	Invalidate(ctx context.Context, fingerprint string) error
}

// CacheInconsistencyError reports that one fingerprint produced two
// different sets of outputs. Either the computation is not deterministic or
// its signature does not capture everything it depends on.
type CacheInconsistencyError struct {
	Fingerprint string
	Existing    map[string]any
	Attempted   map[string]any
}

func (e *CacheInconsistencyError) Error() string {
	existing, _ := Canonical(e.Existing)
	attempted, _ := Canonical(e.Attempted)
	return fmt.Sprintf("cache inconsistency for %s: stored outputs %s differ from new outputs %s",
		short(e.Fingerprint), existing, attempted)
}

// Is makes errors.Is(err, ErrCacheInconsistency) match.
func (e *CacheInconsistencyError) Is(target error) bool {
	return target == ErrCacheInconsistency
}

func validateFingerprint(fp string) error {
	if len(fp) < 16 {
		return fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
	}
	for _, c := range fp {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
		}
	}
	return nil
}

// reconcile compares outputs with an existing entry.
func reconcile(existing *Entry, outputs map[string]any) (*Entry, error) {
	same, err := Equal(existing.Outputs, outputs)
	if err != nil {
		return nil, err
	}
	if !same {
		return nil, &CacheInconsistencyError{
			Fingerprint: existing.Fingerprint,
			Existing:    existing.Outputs,
			Attempted:   outputs,
		}
	}
	return existing, nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
