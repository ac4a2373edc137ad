package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "genbot/pkg/logx"
)

// fileStore keeps generations in a JSON Lines file and an in-memory copy
// for queries. Prune rewrites the file through a temp file and rename.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	f    *os.File
	rows []Generation
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if filepath.Ext(path) == "" {
		path += ".jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	rows, skipped, err := loadGenerations(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped unreadable generation records", logx.String("path", path), logx.Int("count", skipped))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f, rows: rows}, nil
}

func loadGenerations(path string) ([]Generation, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		out     []Generation
		skipped int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var g Generation
		if err := json.Unmarshal(line, &g); err != nil {
			// A torn final line after a crash is expected; keep going.
			skipped++
			continue
		}
		out = append(out, g)
	}
	return out, skipped, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendGeneration(_ context.Context, g Generation) error {
	if g.At.IsZero() {
		g.At = time.Now()
	}
	b, err := json.Marshal(g)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.rows = append(s.rows, g)
	return nil
}

func (s *fileStore) CountGenerations(_ context.Context, userID int64, since time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	out := map[string]int{}
	for _, g := range s.rows {
		if g.UserID == userID && g.Status == StatusFinished && !g.At.Before(since) {
			out[g.Kind]++
		}
	}
	return out, nil
}

func (s *fileStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrClosed
	}
	kept := make([]Generation, 0, len(s.rows))
	for _, g := range s.rows {
		if !g.At.Before(before) {
			kept = append(kept, g)
		}
	}
	removed := len(s.rows) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.rewriteLocked(kept); err != nil {
		return 0, err
	}
	s.rows = kept
	return removed, nil
}

// rewriteLocked replaces the file with rows and reopens it for appends.
func (s *fileStore) rewriteLocked(rows []Generation) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, g := range rows {
		if err := enc.Encode(g); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	return nil
}
