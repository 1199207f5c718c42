// Package history keeps a git-backed snapshot trail for each story's
// manuscript. Every story gets its own repository; each snapshot commits
// manuscript.json on main, and publishes are tagged.
package history

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

	"evotales/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Manuscript is the snapshot payload committed per change. Chapters and
// characters are stored as raw JSON so the trail survives model changes.
type Manuscript struct {
	Title       string          `json:"title"`
	Genre       string          `json:"genre"`
	Description string          `json:"description"`
	Structure   string          `json:"structure"`
	Chapters    json.RawMessage `json:"chapters,omitempty"`
	Characters  json.RawMessage `json:"characters,omitempty"`
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

// EnsureStoryRepo initializes the snapshot repository for a story with
// a baseline commit. Calling it again for an existing story is a no-op.
func (s *Service) EnsureStoryRepo(storyID string, initial Manuscript, author string) error {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(storyID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal initial manuscript: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "manuscript.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write initial manuscript: %w", err)
	}
	if _, err := worktree.Add("manuscript.json"); err != nil {
		return fmt.Errorf("git add initial manuscript: %w", err)
	}
	hash, err := worktree.Commit("Story created", &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.evotales.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit initial manuscript: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitSnapshot records a new manuscript state. Identical content is
// skipped so autosaves do not flood the trail.
func (s *Service) CommitSnapshot(storyID string, manuscript Manuscript, author, message string) (store.CommitInfo, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storyID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	head, err := s.headManuscript(repo)
	if err == nil && !HasChanges(head, manuscript) {
		ref, refErr := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
		if refErr == nil {
			commitObj, objErr := repo.CommitObject(ref.Hash())
			if objErr == nil {
				return toCommitInfo(commitObj), nil
			}
		}
	}

	hash, err := s.commit(repo, manuscript, author, message)
	if err != nil {
		return store.CommitInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}

	return toCommitInfo(commitObj), nil
}

// GetHeadManuscript returns the latest snapshot and its commit.
func (s *Service) GetHeadManuscript(storyID string) (Manuscript, store.CommitInfo, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storyID))
	if err != nil {
		return Manuscript{}, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return Manuscript{}, store.CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}

	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Manuscript{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	manuscript, err := readManuscriptFromCommit(commitObj)
	if err != nil {
		return Manuscript{}, store.CommitInfo{}, err
	}

	return manuscript, toCommitInfo(commitObj), nil
}

// GetManuscriptByHash returns the snapshot at a commit hash or revision.
func (s *Service) GetManuscriptByHash(storyID, hash string) (Manuscript, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storyID))
	if err != nil {
		return Manuscript{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Manuscript{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Manuscript{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readManuscriptFromCommit(commitObj)
}

// History returns snapshots newest first, up to limit (0 = all).
func (s *Service) History(storyID string, limit int) ([]store.CommitInfo, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storyID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// TagPublish tags the given commit, typically publish-<n>.
func (s *Service) TagPublish(storyID, hash, name string) error {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storyID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "EvoTales",
			Email: "evotales@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(storyID string) string {
	return filepath.Join(s.baseDir, storyID)
}

func (s *Service) storyLock(storyID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[storyID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[storyID] = lock
	return lock
}

func (s *Service) headManuscript(repo *git.Repository) (Manuscript, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return Manuscript{}, err
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Manuscript{}, err
	}
	return readManuscriptFromCommit(commitObj)
}

func (s *Service) commit(repo *git.Repository, manuscript Manuscript, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(manuscript, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal manuscript: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, "manuscript.json"), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write manuscript.json: %w", err)
	}

	if _, err := worktree.Add("manuscript.json"); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add manuscript: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.evotales.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit manuscript: %w", err)
	}
	return hash, nil
}

func readManuscriptFromCommit(commitObj *object.Commit) (Manuscript, error) {
	file, err := commitObj.File("manuscript.json")
	if err != nil {
		return Manuscript{}, fmt.Errorf("load manuscript.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Manuscript{}, fmt.Errorf("open manuscript reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Manuscript{}, fmt.Errorf("read manuscript bytes: %w", err)
	}

	var manuscript Manuscript
	if err := json.Unmarshal(raw, &manuscript); err != nil {
		return Manuscript{}, fmt.Errorf("decode commit manuscript: %w", err)
	}
	return manuscript, nil
}

// HasChanges reports whether two snapshots differ.
func HasChanges(from, to Manuscript) bool {
	if from.Title != to.Title ||
		from.Genre != to.Genre ||
		from.Description != to.Description ||
		from.Structure != to.Structure {
		return true
	}
	if !bytes.Equal(normalizeJSON(from.Chapters), normalizeJSON(to.Chapters)) {
		return true
	}
	return !bytes.Equal(normalizeJSON(from.Characters), normalizeJSON(to.Characters))
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "writer"
	}
	return string(runes)
}

func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
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
