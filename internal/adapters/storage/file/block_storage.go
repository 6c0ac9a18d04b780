// Package file disponibiliza o BlockStorage baseado em um arquivo JSON compartilhado.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
	"github.com/JeanGrijp/ipblock/internal/fileutil"
)

// record is the on-disk shape; the IP is the map key.
type record struct {
	Reason    string    `json:"reason"`
	Source    string    `json:"source,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Storage keeps blocks in a single JSON object file shared by every process
// pointing at the same path. The file is re-read whenever its size or mtime
// changes. A failed write leaves both the file and the cache untouched.
type Storage struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cache   map[string]record
	loaded  bool
	modTime time.Time
	size    int64

	corruptLog rate.Sometimes
}

var _ ports.BlockStorage = (*Storage)(nil)

type Option func(*Storage)

func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

func New(path string, logger *slog.Logger, opts ...Option) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("storage file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Storage{
		path:       path,
		logger:     logger,
		now:        time.Now,
		cache:      make(map[string]record),
		corruptLog: rate.Sometimes{Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path is the block file shared with other processes.
func (s *Storage) Path() string { return s.path }

func (s *Storage) Get(ctx context.Context, ip string) (domain.BlockEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.BlockEntry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(); err != nil {
		return domain.BlockEntry{}, false, err
	}

	rec, ok := s.cache[ip]
	if !ok {
		return domain.BlockEntry{}, false, nil
	}
	return toEntry(ip, rec), true, nil
}

func (s *Storage) Put(ctx context.Context, entry domain.BlockEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := fromEntry(entry)
	return s.writeLocked(s.now(), func(records map[string]record) {
		records[entry.IP] = rec
	})
}

func (s *Storage) Delete(ctx context.Context, ip string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeLocked(s.now(), func(records map[string]record) {
		delete(records, ip)
	})
}

// List returns every stored entry, expired ones included, ordered by IP.
func (s *Storage) List(ctx context.Context) ([]domain.BlockEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(); err != nil {
		return nil, err
	}

	entries := make([]domain.BlockEntry, 0, len(s.cache))
	for ip, rec := range s.cache {
		entries = append(entries, toEntry(ip, rec))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })
	return entries, nil
}

// Prune rewrites the file without expired entries. It returns the number of
// entries dropped.
func (s *Storage) Prune(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(); err != nil {
		return 0, err
	}

	expired := 0
	for _, rec := range s.cache {
		if !now.Before(rec.ExpiresAt) {
			expired++
		}
	}
	if expired == 0 {
		return 0, nil
	}
	if err := s.writeLocked(now, func(map[string]record) {}); err != nil {
		return 0, err
	}
	return expired, nil
}

// refreshLocked reloads the file when it changed on disk. A missing or empty
// file means no blocks. A corrupt file is logged and treated as empty; it is
// replaced by the next successful write.
func (s *Storage) refreshLocked() error {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.cache = make(map[string]record)
		s.loaded = true
		s.modTime = time.Time{}
		s.size = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat block file: %w", err)
	}

	if s.loaded && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}

	records := make(map[string]record)
	if err := fileutil.ReadJSON(s.path, &records); err != nil {
		switch {
		case errors.Is(err, fileutil.ErrEmptyFile):
			records = make(map[string]record)
		case errors.Is(err, fs.ErrNotExist):
			// removed between stat and read
			records = make(map[string]record)
		case isParseError(err):
			s.corruptLog.Do(func() {
				s.logger.Warn("blocklist_file_corrupt",
					"path", s.path,
					"error", err,
				)
			})
			records = make(map[string]record)
		default:
			return fmt.Errorf("read block file: %w", err)
		}
	}

	s.cache = records
	s.loaded = true
	s.modTime = info.ModTime()
	s.size = info.Size()
	return nil
}

// writeLocked applies mutate to the latest file content, drops expired
// entries and writes the result atomically. The cache only changes once the
// write succeeded.
func (s *Storage) writeLocked(now time.Time, mutate func(map[string]record)) error {
	if err := s.refreshLocked(); err != nil {
		s.logger.Warn("blocklist_refresh_error",
			"path", s.path,
			"error", err,
		)
	}

	records := make(map[string]record, len(s.cache)+1)
	for ip, rec := range s.cache {
		records[ip] = rec
	}
	mutate(records)
	for ip, rec := range records {
		if !now.Before(rec.ExpiresAt) {
			delete(records, ip)
		}
	}

	if err := fileutil.WriteJSONAtomic(s.path, records, 0o644); err != nil {
		return fmt.Errorf("write block file: %w", err)
	}

	s.cache = records
	if info, err := os.Stat(s.path); err == nil {
		s.loaded = true
		s.modTime = info.ModTime()
		s.size = info.Size()
	} else {
		s.loaded = false
	}
	return nil
}

func isParseError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func toEntry(ip string, rec record) domain.BlockEntry {
	return domain.BlockEntry{
		IP:        ip,
		Reason:    rec.Reason,
		Source:    rec.Source,
		BlockedAt: rec.BlockedAt,
		ExpiresAt: rec.ExpiresAt,
	}
}

func fromEntry(e domain.BlockEntry) record {
	return record{
		Reason:    e.Reason,
		Source:    e.Source,
		BlockedAt: e.BlockedAt,
		ExpiresAt: e.ExpiresAt,
	}
}
