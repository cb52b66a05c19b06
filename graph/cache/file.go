package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	manifestName    = "manifest.json"
	artifactsDir    = "artifacts"
	manifestVersion = 1
	stagingPrefix   = ".staging-"
)

// manifest is the on-disk form of an Entry.
type manifest struct {
	Version int `json:"version"`
	Entry
}

// FileStore keeps one directory per fingerprint under a root directory:
//
//	<root>/<fingerprint>/manifest.json
//	<root>/<fingerprint>/artifacts/...
//
// An entry is assembled in a staging directory under root and published with
// a single os.Rename, so readers never observe a partial entry. When two
// writers race on the same fingerprint the loser compares its outputs with
// the winner's manifest: equal outputs are a no-op, different outputs are a
// *CacheInconsistencyError.
//
// Output values that are paths inside the execution working directory are
// rewritten to point at the entry's artifacts, so cached outputs stay valid
// after the working directory is removed.
type FileStore struct {
	root   string
	logger *zap.Logger
	now    func() time.Time
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithLogger sets the logger used for staging cleanup and race reports.
func WithLogger(logger *zap.Logger) FileStoreOption {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFileStore creates root if needed and returns a store rooted there.
func NewFileStore(root string, opts ...FileStoreOption) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("cache root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	s := &FileStore{
		root:   abs,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute cache root.
func (s *FileStore) Root() string {
	return s.root
}

// Lookup reads the manifest for fingerprint.
func (s *FileStore) Lookup(_ context.Context, fingerprint string) (*Entry, bool, error) {
	if err := validateFingerprint(fingerprint); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(filepath.Join(s.root, fingerprint, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache manifest %s: %w", short(fingerprint), err)
	}
	if m.Version != manifestVersion {
		return nil, false, fmt.Errorf("cache manifest %s has unsupported version %d", short(fingerprint), m.Version)
	}
	if m.Fingerprint != fingerprint {
		return nil, false, fmt.Errorf("cache manifest %s records fingerprint %s", short(fingerprint), short(m.Fingerprint))
	}
	if m.Outputs == nil {
		m.Outputs = map[string]any{}
	}

	entry := m.Entry
	return &entry, true, nil
}

// Store publishes outputs and the contents of workDir under fingerprint.
// An empty workDir stores outputs only.
func (s *FileStore) Store(ctx context.Context, fingerprint string, outputs map[string]any, workDir string) (*Entry, error) {
	if err := validateFingerprint(fingerprint); err != nil {
		return nil, err
	}

	entryDir := filepath.Join(s.root, fingerprint)
	artifacts := ""
	if workDir != "" {
		artifacts = filepath.Join(entryDir, artifactsDir)
	}

	rewritten := rewritePaths(outputs, filepath.Clean(workDir), artifacts)
	normalized, err := Normalize(asMap(rewritten))
	if err != nil {
		return nil, err
	}

	if existing, ok, err := s.Lookup(ctx, fingerprint); err != nil {
		return nil, err
	} else if ok {
		return reconcile(existing, normalized)
	}

	staging, err := os.MkdirTemp(s.root, stagingPrefix+short(fingerprint)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		// After a successful rename the staging path no longer exists.
		if err := os.RemoveAll(staging); err != nil {
			s.logger.Warn("failed to remove cache staging directory",
				zap.String("path", staging), zap.Error(err))
		}
	}()

	if workDir != "" {
		if err := copyTree(ctx, workDir, filepath.Join(staging, artifactsDir)); err != nil {
			return nil, fmt.Errorf("failed to stage artifacts for %s: %w", short(fingerprint), err)
		}
	}

	entry := &Entry{
		Fingerprint: fingerprint,
		Outputs:     normalized,
		WorkDir:     artifacts,
		CompletedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := writeManifest(staging, entry); err != nil {
		return nil, err
	}

	if err := os.Rename(staging, entryDir); err != nil {
		existing, ok, lerr := s.Lookup(ctx, fingerprint)
		if lerr == nil && ok {
			s.logger.Debug("lost cache publish race",
				zap.String("fingerprint", fingerprint))
			return reconcile(existing, normalized)
		}
		return nil, fmt.Errorf("failed to publish cache entry %s: %w", short(fingerprint), err)
	}
	return entry, nil
}

// Invalidate moves the entry out of the way and deletes it.
func (s *FileStore) Invalidate(_ context.Context, fingerprint string) error {
	if err := validateFingerprint(fingerprint); err != nil {
		return err
	}

	entryDir := filepath.Join(s.root, fingerprint)
	trash, err := os.MkdirTemp(s.root, stagingPrefix+"trash-")
	if err != nil {
		return fmt.Errorf("failed to create trash directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(trash) }()

	if err := os.Rename(entryDir, filepath.Join(trash, fingerprint)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to invalidate cache entry %s: %w", short(fingerprint), err)
	}
	return nil
}

func writeManifest(dir string, entry *Entry) error {
	data, err := json.MarshalIndent(manifest{Version: manifestVersion, Entry: *entry}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o640); err != nil {
		return fmt.Errorf("failed to write cache manifest: %w", err)
	}
	return nil
}

// rewritePaths replaces the workDir prefix of every string value with to.
func rewritePaths(v any, workDir, to string) any {
	if to == "" || workDir == "." {
		return v
	}
	switch val := v.(type) {
	case string:
		if val == workDir {
			return to
		}
		if rest, ok := strings.CutPrefix(val, workDir+string(filepath.Separator)); ok {
			return filepath.Join(to, rest)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = rewritePaths(item, workDir, to)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = rewritePaths(item, workDir, to)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = rewritePaths(item, workDir, to)
		}
		return out
	default:
		return v
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// copyTree mirrors src into dst. Regular files are hard-linked when src and
// dst share a filesystem and copied otherwise.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o750)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			if err := os.Link(path, target); err == nil {
				return nil
			}
			return copyRegular(path, target)
		default:
			return nil
		}
	})
}

func copyRegular(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src) // #nosec G304 -- src is inside a node working directory
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm()) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
