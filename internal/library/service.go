package library

import (
	"context"
	"errors"
	"sync"
	"time"

	"evotales/api/internal/story"
)

// ErrNotFound is returned when a story ID is absent from a library.
var ErrNotFound = errors.New("story not found")

// libraryStore is the persistence surface the service needs.
type libraryStore interface {
	Load(ctx context.Context, writerID string) ([]story.Story, error)
	Save(ctx context.Context, writerID string, stories []story.Story) error
}

// Service serializes mutations per writer so concurrent patches do not
// clobber each other's read-modify-write cycles.
type Service struct {
	store  libraryStore
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewService(store libraryStore) *Service {
	return &Service{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) writerLock(writerID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[writerID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[writerID] = lock
	return lock
}

// ListStories returns a writer's library, newest update first.
func (s *Service) ListStories(ctx context.Context, writerID string) ([]story.Story, error) {
	stories, err := s.store.Load(ctx, writerID)
	if err != nil {
		return nil, err
	}
	// Stable insertion order is fine for small libraries; sort by
	// UpdatedAt so recently touched stories surface first.
	for i := 1; i < len(stories); i++ {
		for j := i; j > 0 && stories[j].UpdatedAt.After(stories[j-1].UpdatedAt); j-- {
			stories[j], stories[j-1] = stories[j-1], stories[j]
		}
	}
	return stories, nil
}

// GetStory returns one story by ID.
func (s *Service) GetStory(ctx context.Context, writerID, storyID string) (story.Story, error) {
	stories, err := s.store.Load(ctx, writerID)
	if err != nil {
		return story.Story{}, err
	}
	for _, st := range stories {
		if st.ID == storyID {
			return st, nil
		}
	}
	return story.Story{}, ErrNotFound
}

// CreateStory appends a story to the writer's library.
func (s *Service) CreateStory(ctx context.Context, writerID string, st story.Story) error {
	lock := s.writerLock(writerID)
	lock.Lock()
	defer lock.Unlock()

	stories, err := s.store.Load(ctx, writerID)
	if err != nil {
		return err
	}
	stories = append(stories, st)
	return s.store.Save(ctx, writerID, stories)
}

// PatchStory is the single write path for story mutations: load, apply,
// bump UpdatedAt, save. The patched story is returned.
func (s *Service) PatchStory(ctx context.Context, writerID, storyID string, patch func(*story.Story) error) (story.Story, error) {
	lock := s.writerLock(writerID)
	lock.Lock()
	defer lock.Unlock()

	stories, err := s.store.Load(ctx, writerID)
	if err != nil {
		return story.Story{}, err
	}
	for i := range stories {
		if stories[i].ID != storyID {
			continue
		}
		if err := patch(&stories[i]); err != nil {
			return story.Story{}, err
		}
		stories[i].UpdatedAt = time.Now()
		if err := s.store.Save(ctx, writerID, stories); err != nil {
			return story.Story{}, err
		}
		return stories[i], nil
	}
	return story.Story{}, ErrNotFound
}

// DeleteStory removes a story from the library.
func (s *Service) DeleteStory(ctx context.Context, writerID, storyID string) error {
	lock := s.writerLock(writerID)
	lock.Lock()
	defer lock.Unlock()

	stories, err := s.store.Load(ctx, writerID)
	if err != nil {
		return err
	}
	for i := range stories {
		if stories[i].ID == storyID {
			stories = append(stories[:i], stories[i+1:]...)
			return s.store.Save(ctx, writerID, stories)
		}
	}
	return ErrNotFound
}
