// Package auditlog keeps a git-backed history of synced records. Each
// connection gets its own repository holding a records.jsonl snapshot, one
// record per line, committed after every sync run. The git log answers
// "what did this connection's records look like after run X".
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"elder/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "records.jsonl"

// Entry is one record line in the snapshot.
type Entry struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	State    string   `json:"state"`
	Labels   []string `json:"labels,omitempty"`
	Assignee string   `json:"assignee,omitempty"`
	Deleted  bool     `json:"deleted,omitempty"`
}

// CommitInfo describes one snapshot in a connection's history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// WriteSnapshot commits the connection's current record set. Implements the
// sync engine's Auditor. An unchanged record set produces no commit.
func (s *Service) WriteSnapshot(connectionID, runID string, records []store.Record) error {
	lock := s.connectionLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(connectionID)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	path := filepath.Join(s.repoPath(connectionID), snapshotFile)
	if err := writeJSONL(path, records); err != nil {
		return err
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	_, err = worktree.Commit(fmt.Sprintf("sync run %s", runID), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "elder-sync",
			Email: "sync@elder.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// History lists snapshot commits for a connection, newest first.
func (s *Service) History(connectionID string, limit int) ([]CommitInfo, error) {
	lock := s.connectionLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(connectionID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, CommitInfo{
			Hash:      c.Hash.String()[:7],
			Message:   c.Message,
			CreatedAt: c.Author.When,
		})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt reads the record entries of one snapshot commit.
func (s *Service) SnapshotAt(connectionID, hash string) ([]Entry, error) {
	lock := s.connectionLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(connectionID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", hash, err)
	}
	commit, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commit.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load snapshot from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	var entries []Entry
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode snapshot line: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return entries, nil
}

func (s *Service) ensureRepo(connectionID string) (*git.Repository, error) {
	path := s.repoPath(connectionID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(connectionID string) string {
	return filepath.Join(s.baseDir, connectionID)
}

func (s *Service) connectionLock(connectionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[connectionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[connectionID] = lock
	return lock
}

// writeJSONL writes records sorted by id so snapshots diff cleanly.
func writeJSONL(path string, records []store.Record) error {
	sorted := append([]store.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range sorted {
		e := Entry{
			ID:       r.ID,
			Title:    r.Title,
			State:    r.State,
			Labels:   r.Labels,
			Assignee: r.Assignee,
			Deleted:  r.DeletedAt != nil,
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode snapshot line: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return nil
}
