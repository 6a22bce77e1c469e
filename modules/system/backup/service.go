package backup

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/botkernel/internal/storage"
)

const (
	filePrefix = "backup_"
	fileSuffix = ".db.gz"
)

// ErrUnsupported is returned for stores that are not a local sqlite file.
var ErrUnsupported = errors.New("backups need a sqlite database")

// Backup describes one archive on disk.
type Backup struct {
	Name    string
	Path    string
	Size    int64
	Created time.Time
}

// Service writes compressed snapshots of the sqlite database.
type Service struct {
	db   storage.Store
	dir  string
	keep int
	now  func() time.Time

	mu sync.Mutex
}

// Create snapshots the database into a new gzip archive and prunes the
// oldest archives beyond the retention count.
func (s *Service) Create(ctx context.Context) (Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db.Dialect() != storage.DialectSQLite {
		return Backup{}, ErrUnsupported
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Backup{}, fmt.Errorf("creating backup directory: %w", err)
	}

	created := s.now()
	name := fmt.Sprintf("%s%s_%s%s", filePrefix, created.UTC().Format("20060102_150405.000000"), uuid.NewString()[:8], fileSuffix)
	snapshot := filepath.Join(s.dir, strings.TrimSuffix(name, ".gz")+".tmp")
	defer os.Remove(snapshot)

	if _, err := s.db.Execute(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return Backup{}, fmt.Errorf("snapshotting database: %w", err)
	}

	path := filepath.Join(s.dir, name)
	size, err := compress(snapshot, path)
	if err != nil {
		_ = os.Remove(path)
		return Backup{}, err
	}
	if err := s.prune(); err != nil {
		return Backup{}, err
	}
	return Backup{Name: name, Path: path, Size: size, Created: created}, nil
}

func compress(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("creating archive: %w", err)
	}
	zw := gzip.NewWriter(out)
	zw.Name = strings.TrimSuffix(filepath.Base(dst), ".gz")
	if _, err := io.Copy(zw, in); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("compressing snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	st, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// List returns the archives newest first.
func (s *Service) List() ([]Backup, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Backup{Name: name, Path: filepath.Join(s.dir, name), Size: info.Size(), Created: info.ModTime()})
	}
	// Names start with a UTC timestamp, so they sort chronologically.
	slices.SortFunc(out, func(a, b Backup) int { return strings.Compare(b.Name, a.Name) })
	return out, nil
}

func (s *Service) prune() error {
	if s.keep <= 0 {
		return nil
	}
	all, err := s.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range all[min(s.keep, len(all)):] {
		if err := os.Remove(b.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore decompresses the named archive to dst.
func (s *Service) Restore(name, dst string) error {
	if filepath.Base(name) != name || !strings.HasPrefix(name, filePrefix) {
		return fmt.Errorf("invalid backup name %q", name)
	}
	in, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	defer in.Close()
	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	defer zr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, zr); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
