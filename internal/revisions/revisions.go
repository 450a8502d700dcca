// Package revisions keeps a git history of every form schema save.
package revisions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"formcraft/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "fields.json"

var ErrRevisionNotFound = errors.New("revision not found")

// Snapshot is the committed part of a form.
type Snapshot struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Fields      []store.Field `json:"fields"`
}

func SnapshotOf(form store.Form) Snapshot {
	fields := form.Fields
	if fields == nil {
		fields = []store.Field{}
	}
	return Snapshot{Name: form.Name, Description: form.Description, Fields: fields}
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

// Commit records snapshot for formID, creating the repository on first use.
// An unchanged snapshot returns the current head without a new commit.
func (s *Service) Commit(formID string, snapshot Snapshot, author, message string) (store.RevisionInfo, error) {
	lock := s.formLock(formID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := encodeSnapshot(snapshot)
	if err != nil {
		return store.RevisionInfo{}, err
	}

	path := s.repoPath(formID)
	repo, err := s.open(formID)
	fresh := false
	if errors.Is(err, errNoRepo) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return store.RevisionInfo{}, fmt.Errorf("create repo dir: %w", err)
		}
		repo, err = git.PlainInit(path, false)
		if err != nil {
			return store.RevisionInfo{}, fmt.Errorf("init repo: %w", err)
		}
		fresh = true
	} else if err != nil {
		return store.RevisionInfo{}, err
	}

	if !fresh {
		head, err := headCommit(repo)
		if err != nil {
			return store.RevisionInfo{}, err
		}
		current, err := readSnapshotBytes(head)
		if err != nil {
			return store.RevisionInfo{}, err
		}
		if bytes.Equal(current, payload) {
			return toRevisionInfo(head), nil
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.RevisionInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, snapshotFile), payload, 0o644); err != nil {
		return store.RevisionInfo{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return store.RevisionInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}
	if message == "" {
		message = "Update form"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.formcraft.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return store.RevisionInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	if fresh {
		main := plumbing.NewBranchReferenceName("main")
		if err := repo.Storer.SetReference(plumbing.NewHashReference(main, hash)); err != nil {
			return store.RevisionInfo{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, main)); err != nil {
			return store.RevisionInfo{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.RevisionInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevisionInfo(commitObj), nil
}

// History lists revisions newest first. A form that was never committed has
// an empty history.
func (s *Service) History(formID string, limit int) ([]store.RevisionInfo, error) {
	lock := s.formLock(formID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(formID)
	if errors.Is(err, errNoRepo) {
		return []store.RevisionInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.RevisionInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevisionInfo(commitObj))
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

func (s *Service) Get(formID, hash string) (Snapshot, store.RevisionInfo, error) {
	lock := s.formLock(formID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(formID)
	if errors.Is(err, errNoRepo) {
		return Snapshot{}, store.RevisionInfo{}, ErrRevisionNotFound
	}
	if err != nil {
		return Snapshot{}, store.RevisionInfo{}, err
	}

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, store.RevisionInfo{}, ErrRevisionNotFound
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, store.RevisionInfo{}, ErrRevisionNotFound
	}
	raw, err := readSnapshotBytes(commitObj)
	if err != nil {
		return Snapshot{}, store.RevisionInfo{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, store.RevisionInfo{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, toRevisionInfo(commitObj), nil
}

// Remove deletes the history of a deleted form.
func (s *Service) Remove(formID string) error {
	lock := s.formLock(formID)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(s.repoPath(formID))
}

func (s *Service) repoPath(formID string) string {
	return filepath.Join(s.baseDir, filepath.Base(formID))
}

var errNoRepo = errors.New("no revision repository")

func (s *Service) open(formID string) (*git.Repository, error) {
	path := s.repoPath(formID)
	if _, err := os.Stat(filepath.Join(path, ".git")); errors.Is(err, os.ErrNotExist) {
		return nil, errNoRepo
	} else if err != nil {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) formLock(formID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[formID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[formID] = lock
	}
	return lock
}

func encodeSnapshot(snapshot Snapshot) ([]byte, error) {
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return append(payload, '\n'), nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commitObj, nil
}

func readSnapshotBytes(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return raw, nil
}

func toRevisionInfo(commitObj *object.Commit) store.RevisionInfo {
	return store.RevisionInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
