package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "dailycast/pkg/logx"
)

// fileStore keeps everything in plain files.
//
// Files:
//   - <prefix>.lastsent.json               (snapshot: tenant -> RFC3339)
//   - <prefix>.lastsent.journal.jsonl      (append-only journal)
//   - <prefix>.errors/errors-<tenant>.json (last MaxErrorEntries per tenant)
//
// The journal is compacted into the snapshot on Sync.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	errorsDir    string

	lastSent map[string]time.Time
	writes   int
}

type journalRecord struct {
	Op     string `json:"op,omitempty"` // "" or "put", "del"
	Tenant string `json:"tenant"`
	SentAt string `json:"sent_at,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	errorsDir := prefix + ".errors"
	if err := os.MkdirAll(errorsDir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".lastsent.json",
		errorsDir:    errorsDir,
		lastSent:     map[string]time.Time{},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A broken snapshot must not take the whole state down; the journal
		// may still hold recent sends.
		log.Warn("last-sent snapshot unreadable, starting from journal", logx.Err(err))
	}
	journalPath := prefix + ".lastsent.journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("last-sent journal replay stopped early", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) LoadLastSent(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.lastSent))
	for k, v := range s.lastSent {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) PutLastSent(ctx context.Context, tenantID string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalRecord{Op: "put", Tenant: tenantID, SentAt: formatTime(at)}); err != nil {
		return err
	}
	s.lastSent[tenantID] = at.UTC().Truncate(time.Second)
	return nil
}

func (s *fileStore) DeleteLastSent(ctx context.Context, tenantID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.lastSent[tenantID]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", Tenant: tenantID}); err != nil {
		return err
	}
	delete(s.lastSent, tenantID)
	return nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	return nil
}

// Sync fsyncs the journal and, if anything was written since the last
// compaction, rewrites the snapshot.
func (s *fileStore) Sync(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	if s.writes == 0 {
		return nil
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	snap := make(map[string]string, len(s.lastSent))
	for k, v := range s.lastSent {
		snap[k] = formatTime(v)
	}
	if err := writeJSONAtomic(s.snapshotPath, snap); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, 2); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for tenant, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			s.log.Warn("skipping corrupt last-sent entry", logx.String("tenant", tenant), logx.Err(err))
			continue
		}
		t, err := parseTime(str)
		if err != nil {
			s.log.Warn("skipping corrupt last-sent entry", logx.String("tenant", tenant), logx.Err(err))
			continue
		}
		s.lastSent[tenant] = t
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Tenant == "" {
			s.log.Warn("skipping corrupt journal line", logx.Int("line", line))
			continue
		}
		switch r.Op {
		case "del":
			delete(s.lastSent, r.Tenant)
		case "", "put":
			t, err := parseTime(r.SentAt)
			if err != nil {
				s.log.Warn("skipping corrupt journal line", logx.Int("line", line), logx.String("tenant", r.Tenant), logx.Err(err))
				continue
			}
			s.lastSent[r.Tenant] = t
		}
		s.writes++
	}
	return sc.Err()
}

// ---- error log ----

func (s *fileStore) errorsPath(tenantID string) string {
	return filepath.Join(s.errorsDir, "errors-"+safeFileName(tenantID)+".json")
}

func (s *fileStore) AppendError(ctx context.Context, e ErrorEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	path := s.errorsPath(e.TenantID)
	entries, err := readErrorFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		// Same recovery as the original files: start a fresh log.
		s.log.Warn("error log unreadable, resetting", logx.String("tenant", e.TenantID), logx.Err(err))
		entries = nil
	}
	entries = trimEntries(append(entries, e))
	return writeJSONAtomic(path, entries)
}

func (s *fileStore) ListErrors(ctx context.Context, tenantID string) ([]ErrorEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := readErrorFile(s.errorsPath(tenantID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read error log %s: %w", tenantID, err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries, nil
}

func readErrorFile(path string) ([]ErrorEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []ErrorEntry
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func safeFileName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
