package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// fingerprintVersion is mixed into every fingerprint. Bump it when the
// canonical document layout changes so stale entries stop matching.
const fingerprintVersion = 1

// HashMode selects how a file-typed input contributes to a fingerprint.
type HashMode int

const (
	// HashContent hashes the bytes of the file (directories recursively).
	HashContent HashMode = iota

	// HashName uses only the path string. Cheaper, but a file rewritten in
	// place keeps its fingerprint.
	HashName
)

// String returns the configuration spelling of the mode.
func (m HashMode) String() string {
	switch m {
	case HashContent:
		return "content"
	case HashName:
		return "name"
	default:
		return fmt.Sprintf("HashMode(%d)", int(m))
	}
}

// ParseHashMode parses "content" or "name". The empty string means content.
func ParseHashMode(s string) (HashMode, error) {
	switch s {
	case "", "content":
		return HashContent, nil
	case "name":
		return HashName, nil
	default:
		return 0, fmt.Errorf("unknown hash mode %q (want content or name)", s)
	}
}

// Subject is everything that identifies one computation.
type Subject struct {
	// Signature identifies the declared computation, not the node instance.
	Signature string

	// Inputs are the resolved input values. Unset optional inputs are absent.
	Inputs map[string]any

	// Files lists the inputs whose values are file paths (a string or a list
	// of strings) together with their hash mode.
	Files map[string]HashMode
}

// Hasher computes fingerprints. File digests are computed concurrently with
// a bounded number of workers. A Hasher is safe for concurrent use.
type Hasher struct {
	workers int
}

// NewHasher returns a Hasher that reads at most workers files at once.
// A non-positive value selects runtime.NumCPU().
func NewHasher(workers int) *Hasher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Hasher{workers: workers}
}

// Fingerprint returns the SHA-256 hex digest of the canonical encoding of s.
//
// The digest depends only on the signature, the input values and the file
// digests. It does not depend on map insertion order, on the node name, or
// on when the computation ran. Reading file contents honours ctx.
func (h *Hasher) Fingerprint(ctx context.Context, s Subject) (string, error) {
	files, err := h.fileDigests(ctx, s)
	if err != nil {
		return "", err
	}

	inputs := s.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}

	doc := struct {
		Version   int            `json:"v"`
		Signature string         `json:"signature"`
		Inputs    map[string]any `json:"inputs"`
		Files     map[string]any `json:"files,omitempty"`
	}{
		Version:   fingerprintVersion,
		Signature: s.Signature,
		Inputs:    inputs,
		Files:     files,
	}

	data, err := Canonical(doc)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint %q: %w", s.Signature, err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// fileDigests returns, for every content-hashed file input, a value of the
// same shape as the input with each path replaced by its digest.
func (h *Hasher) fileDigests(ctx context.Context, s Subject) (map[string]any, error) {
	names := make([]string, 0, len(s.Files))
	for name, mode := range s.Files {
		if mode != HashContent {
			continue
		}
		if _, ok := s.Inputs[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	unique := make(map[string]struct{})
	for _, name := range names {
		paths, err := collectPaths(s.Inputs[name])
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		for _, p := range paths {
			unique[p] = struct{}{}
		}
	}

	var (
		mu      sync.Mutex
		digests = make(map[string]string, len(unique))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)
	for p := range unique {
		g.Go(func() error {
			d, err := digestPath(gctx, p)
			if err != nil {
				return err
			}
			mu.Lock()
			digests[p] = d
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = substitute(s.Inputs[name], digests)
	}
	return out, nil
}

// collectPaths flattens a path or (nested) list of paths.
func collectPaths(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{val}, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("file input must be a path or a list of paths, got %T", v)
	}
	var out []string
	for i := 0; i < rv.Len(); i++ {
		sub, err := collectPaths(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func substitute(v any, digests map[string]string) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return digests[val]
	}

	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = substitute(rv.Index(i).Interface(), digests)
	}
	return out
}

// digestPath hashes a regular file, or a directory tree in lexical order.
func digestPath(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to hash file input: %w", err)
	}

	hash := sha256.New()
	if !info.IsDir() {
		if err := copyFile(ctx, hash, path); err != nil {
			return "", err
		}
		return "sha256:" + hex.EncodeToString(hash.Sum(nil)), nil
	}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			fmt.Fprintf(hash, "d %s\n", filepath.ToSlash(rel))
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fmt.Fprintf(hash, "f %s\n", filepath.ToSlash(rel))
		return copyFile(ctx, hash, p)
	})
	if err != nil {
		return "", fmt.Errorf("failed to hash directory %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(hash.Sum(nil)), nil
}

func copyFile(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path) // #nosec G304 -- paths are declared node inputs
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// ctxReader stops a long read as soon as its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
