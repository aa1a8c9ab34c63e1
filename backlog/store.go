package backlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusrelay/compressors"
	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/hooks"
	"github.com/INLOpen/nexusrelay/sys"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// WriteFunc delivers a batch read from the backlog.
type WriteFunc func(ctx context.Context, records []core.Record) error

// Options configures a Store.
type Options struct {
	// Dir is the directory owned by the store, e.g. <data_dir>/backlog/<writer_id>.
	Dir         string
	WriterID    string
	Compression core.CompressionType
	// DryRun makes Put a no-op that neither writes nor indexes a file.
	// Remove drops entries from the index but deletes nothing on disk.
	DryRun      bool
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// Entry describes one backlog file.
type Entry struct {
	Token     string
	CreatedAt time.Time
	Records   int
	Size      int64
}

// Store is a durable FIFO of record batches, one file per batch.
type Store struct {
	dir        string
	writerID   string
	dryRun     bool
	compressor core.Compressor
	logger     *slog.Logger
	hooks      hooks.HookManager

	mu      sync.Mutex
	entries []Entry
	release func() error
	closed  bool
}

// Open creates the directory if needed, takes an exclusive lock on it and
// indexes existing batch files, oldest first. Leftover temporary files are
// removed and unreadable files are renamed with a .corrupt suffix.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	compressor, err := compressors.ForType(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, &core.BacklogIOError{Op: "open", Path: opts.Dir, Err: err}
	}
	release, err := sys.AcquireOSFileLock(filepath.Join(opts.Dir, core.LockFileName), 0)
	if err != nil {
		return nil, &core.BacklogIOError{Op: "open", Path: opts.Dir, Err: err}
	}

	s := &Store{
		dir:        opts.Dir,
		writerID:   opts.WriterID,
		dryRun:     opts.DryRun,
		compressor: compressor,
		logger:     logger.With("component", "Backlog", "writer_id", opts.WriterID),
		hooks:      opts.HookManager,
		release:    release,
	}
	if err := s.refresh(); err != nil {
		_ = release()
		return nil, err
	}
	if len(s.entries) > 0 {
		s.logger.Info("Backlog opened", "dir", s.dir, "files", len(s.entries), "size", humanize.Bytes(uint64(s.totalBytes())))
	}
	return s, nil
}

// refresh rebuilds the index from the directory listing.
func (s *Store) refresh() error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return &core.BacklogIOError{Op: "open", Path: s.dir, Err: err}
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		path := filepath.Join(s.dir, name)
		if de.IsDir() {
			continue
		}
		if strings.HasSuffix(name, core.TempFileSuffix) {
			s.logger.Warn("Removing incomplete backlog file", "file", name)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Error("Failed to remove incomplete backlog file", "file", name, "error", err)
			}
			continue
		}
		token, ok := core.ParseBacklogFileName(name)
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return &core.BacklogIOError{Op: "open", Path: path, Err: err}
		}
		header, err := ReadHeader(path)
		if err != nil {
			s.quarantine(token, err)
			continue
		}
		entries = append(entries, Entry{
			Token:     token,
			CreatedAt: info.ModTime(),
			Records:   int(header.RecordCount),
			Size:      info.Size(),
		})
	}
	sortEntries(entries)

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].Token < entries[j].Token
	})
}

func (s *Store) path(token string) string {
	return filepath.Join(s.dir, core.BacklogFileName(token))
}

// quarantine renames an unreadable file so it is kept for inspection but
// never retried.
func (s *Store) quarantine(token string, cause error) {
	path := s.path(token)
	s.logger.Error("Backlog file is corrupt, moving it aside", "file", filepath.Base(path), "error", cause)
	if err := os.Rename(path, path+core.CorruptFileSuffix); err != nil && !os.IsNotExist(err) {
		s.logger.Error("Failed to rename corrupt backlog file", "file", filepath.Base(path), "error", err)
	}
}

func newToken() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// Put persists records as one new batch file.
func (s *Store) Put(ctx context.Context, records []core.Record) (Entry, error) {
	token, err := newToken()
	if err != nil {
		return Entry{}, &core.BacklogIOError{Op: "put", Path: s.dir, Err: err}
	}
	entry := Entry{Token: token, CreatedAt: time.Now(), Records: len(records)}

	if s.dryRun {
		s.logger.Info("Running in dry-run mode, the backlog file will not be created", "records", len(records))
		return entry, nil
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Entry{}, &core.BacklogIOError{Op: "put", Path: s.dir, Err: os.ErrClosed}
	}

	data, err := encodeFile(records, s.compressor)
	if err != nil {
		return Entry{}, &core.BacklogIOError{Op: "put", Path: s.path(token), Err: err}
	}
	if err := sys.WriteFileAtomic(s.path(token), data, core.TempFileSuffix); err != nil {
		return Entry{}, &core.BacklogIOError{Op: "put", Path: s.path(token), Err: err}
	}
	entry.Size = int64(len(data))

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	size := len(s.entries)
	s.mu.Unlock()

	s.logger.Debug("Writing data to the writer's backlog", "token", token, "records", len(records),
		"file_size", humanize.Bytes(uint64(entry.Size)), "backlog_size", size)
	s.trigger(ctx, hooks.NewPostBacklogPutEvent(hooks.BacklogPayload{
		WriterID: s.writerID, Token: token, Records: len(records), BacklogSize: size,
	}))
	return entry, nil
}

// Peek reads the oldest n batch files and returns their tokens and the
// concatenation of their records, in order. Corrupt files are quarantined and
// skipped.
func (s *Store) Peek(n int) ([]string, []core.Record, error) {
	s.mu.Lock()
	if n > len(s.entries) {
		n = len(s.entries)
	}
	head := make([]Entry, n)
	copy(head, s.entries[:n])
	s.mu.Unlock()

	tokens := make([]string, 0, n)
	var records []core.Record
	for _, e := range head {
		recs, err := s.read(e.Token)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				continue
			}
			return nil, nil, err
		}
		tokens = append(tokens, e.Token)
		records = append(records, recs...)
	}
	return tokens, records, nil
}

// read loads one file. A corrupt file is quarantined, dropped from the index
// and reported with an error wrapping ErrCorrupt.
func (s *Store) read(token string) ([]core.Record, error) {
	_, records, err := ReadFile(s.path(token))
	if err == nil {
		return records, nil
	}
	if errors.Is(err, ErrCorrupt) {
		s.quarantine(token, err)
		s.drop([]string{token})
		return nil, err
	}
	return nil, &core.BacklogIOError{Op: "peek", Path: s.path(token), Err: err}
}

func (s *Store) drop(tokens []string) int {
	gone := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		gone[t] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, ok := gone[e.Token]; !ok {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return len(s.entries)
}

// Remove deletes the files of tokens and drops them from the index. A file
// that cannot be deleted stays indexed and is delivered again later.
func (s *Store) Remove(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	removed := tokens
	var errs []error
	if s.dryRun {
		s.logger.Info("Running in dry-run mode, backlog files will not be deleted", "files", len(tokens))
	} else {
		removed = make([]string, 0, len(tokens))
		for _, token := range tokens {
			if err := os.Remove(s.path(token)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, &core.BacklogIOError{Op: "remove", Path: s.path(token), Err: err})
				continue
			}
			removed = append(removed, token)
		}
		sys.SyncDir(s.dir)
	}

	size := s.drop(removed)
	s.logger.Debug("Removing data from the writer's backlog", "files", len(removed), "backlog_size", size)
	for _, token := range removed {
		s.trigger(ctx, hooks.NewPostBacklogRemoveEvent(hooks.BacklogPayload{
			WriterID: s.writerID, Token: token, BacklogSize: size,
		}))
	}
	return errors.Join(errs...)
}

// Size returns the number of indexed batch files.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Records returns the number of records across all indexed files.
func (s *Store) Records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		n += e.Records
	}
	return n
}

// Entries returns a copy of the index, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) totalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		n += e.Size
	}
	return n
}

// assemble reads the oldest files while their cumulative record count stays
// within batchSize. The first file is always taken, even when it is larger.
func (s *Store) assemble(batchSize int) ([]string, []core.Record, error) {
	head := s.Entries()
	var tokens []string
	var batch []core.Record
	for _, e := range head {
		if len(tokens) > 0 && len(batch)+e.Records > batchSize {
			break
		}
		recs, err := s.read(e.Token)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				continue
			}
			return nil, nil, err
		}
		tokens = append(tokens, e.Token)
		batch = append(batch, recs...)
	}
	return tokens, batch, nil
}

// Process drains the backlog oldest first in batches of at most batchSize
// records. It stops at the first failed write and returns its error; files
// are removed only after their batch was written. The number of delivered
// records is returned.
func (s *Store) Process(ctx context.Context, write WriteFunc, batchSize int) (int, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	if s.Size() == 0 {
		return 0, nil
	}
	s.logger.Info("Writing items from the backlog", "files", s.Size(), "batch_size", batchSize)

	delivered := 0
	for s.Size() > 0 {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		tokens, batch, err := s.assemble(batchSize)
		if err != nil {
			return delivered, err
		}
		if len(tokens) == 0 {
			continue
		}
		if err := write(ctx, batch); err != nil {
			s.logger.Error("Cannot write items from the backlog", "files", len(tokens), "error", err)
			return delivered, err
		}
		if err := s.Remove(ctx, tokens); err != nil {
			return delivered, err
		}
		delivered += len(batch)
	}
	s.logger.Info("Processing of the backlog finished", "records", delivered, "backlog_size", s.Size())
	return delivered, nil
}

func (s *Store) trigger(ctx context.Context, event hooks.HookEvent) {
	if s.hooks == nil {
		return
	}
	_ = s.hooks.Trigger(ctx, event)
}

// Dir returns the directory of the store.
func (s *Store) Dir() string { return s.dir }

// Close releases the directory lock. The files stay on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.release != nil {
		if err := s.release(); err != nil {
			return fmt.Errorf("failed to release backlog lock: %w", err)
		}
	}
	return nil
}
