package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrCorrupt is returned when the persisted catalog cannot be parsed.
var ErrCorrupt = errors.New("catalog: unparsable catalog file")

const backupTimeLayout = "20060102T150405.000Z"

// Store loads and persists the catalog artifact. It is the only writer of
// the catalog file: every save first copies the current file into the
// backup directory and then replaces it atomically.
type Store struct {
	path      string
	backupDir string
	logger    *slog.Logger
	clock     func() time.Time
}

// NewStore constructs a Store for the given catalog path and backup directory.
func NewStore(path, backupDir string, logger *slog.Logger) *Store {
	return &Store{
		path:      path,
		backupDir: backupDir,
		logger:    logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Store) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}

// Path returns the catalog file location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted catalog. A missing file yields an empty catalog.
func (s *Store) Load(ctx context.Context) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log().Info("no catalog on disk, starting empty", slog.String("path", s.path))
		return &Catalog{Products: []Product{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", s.path, err)
	}
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if cat.Products == nil {
		cat.Products = []Product{}
	}
	return &cat, nil
}

// Save backs up the current file, then writes cat atomically. It returns the
// backup path, empty when there was nothing to back up.
func (s *Store) Save(ctx context.Context, cat *Catalog) (string, error) {
	if cat == nil {
		return "", errors.New("catalog: nil catalog")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := Encode(cat)
	if err != nil {
		return "", err
	}
	backup, err := s.backup()
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(s.path, data, 0o644); err != nil {
		return backup, err
	}
	s.log().Info("catalog written",
		slog.String("path", s.path),
		slog.String("backup", backup),
		slog.Int("products", len(cat.Products)),
	)
	return backup, nil
}

func (s *Store) backup() (string, error) {
	current, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("catalog: read for backup: %w", err)
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("catalog: create backup dir: %w", err)
	}
	base := "catalog-" + s.clock().UTC().Format(backupTimeLayout)
	target := filepath.Join(s.backupDir, base+".json")
	for n := 1; fileExists(target); n++ {
		target = filepath.Join(s.backupDir, fmt.Sprintf("%s-%d.json", base, n))
	}
	if err := WriteFileAtomic(target, current, 0o644); err != nil {
		return "", fmt.Errorf("catalog: write backup: %w", err)
	}
	return target, nil
}

func (s *Store) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger.With(slog.String("component", "catalog.store"))
	}
	return slog.Default().With(slog.String("component", "catalog.store"))
}

// Encode renders the catalog deterministically: products sorted by id,
// two-space indentation and a trailing newline.
func Encode(cat *Catalog) ([]byte, error) {
	sorted := *cat
	sorted.Products = make([]Product, len(cat.Products))
	copy(sorted.Products, cat.Products)
	sort.SliceStable(sorted.Products, func(i, j int) bool {
		return sorted.Products[i].ID < sorted.Products[j].ID
	})
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sorted); err != nil {
		return nil, fmt.Errorf("catalog: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("catalog: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("catalog: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("catalog: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("catalog: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("catalog: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("catalog: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("catalog: rename: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
