package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"evotales/api/internal/story"
	"evotales/api/internal/util"
)

var (
	// ErrInvalidCode is returned when an invite code matches no session.
	ErrInvalidCode = errors.New("invalid invite code")
	// ErrForbidden is returned when a member lacks permission for an action.
	ErrForbidden = errors.New("forbidden")
	// ErrPartNotFound is returned when a chapter or part ID resolves to nothing.
	ErrPartNotFound = errors.New("part not found")
)

type sessionStore interface {
	Save(ctx context.Context, session Session) error
	Load(ctx context.Context, sessionID string) (Session, error)
	LoadByCode(ctx context.Context, code string) (Session, error)
	ListFor(ctx context.Context, writerID string) ([]Session, error)
	Delete(ctx context.Context, session Session) error
	RemoveMemberIndex(ctx context.Context, writerID, sessionID string) error
}

// Service runs collab sessions. Every mutation takes the session lock,
// loads, applies, saves, and then pushes an event to the feed.
type Service struct {
	store  sessionStore
	feed   Feed
	saves  *util.Debouncer
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewService creates a session service. feed may be nil in tests.
func NewService(store sessionStore, feed Feed) *Service {
	return &Service{
		store: store,
		feed:  feed,
		saves: util.NewDebouncer(util.DefaultSaveDelay),
		locks: make(map[string]*sync.Mutex),
	}
}

// Flush persists coalesced part saves immediately. Called on shutdown.
func (s *Service) Flush(ctx context.Context) {
	s.saves.Flush(ctx)
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sessionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

// CreateSession opens a session seeded from a story. Chapters that were
// authored in parts keep them; a part-less chapter becomes one part
// holding its whole body, assigned to everyone until the owner splits it.
func (s *Service) CreateSession(ctx context.Context, ownerID, ownerName string, st story.Story) (Session, error) {
	now := time.Now()
	session := Session{
		ID:        util.NewID("ses"),
		Code:      util.NewInviteCode(),
		Title:     st.Title,
		Genre:     st.Genre,
		StoryID:   st.ID,
		OwnerID:   ownerID,
		OwnerName: ownerName,
		CreatedAt: now,
		UpdatedAt: now,
		Members: map[string]Member{
			ownerID: {ID: ownerID, Name: ownerName, Role: RoleOwner, Online: true, JoinedAt: now},
		},
	}

	for _, chapter := range st.Chapters {
		parts := make([]Part, 0, len(chapter.Parts))
		for _, p := range chapter.Parts {
			parts = append(parts, Part{
				ID:         p.ID,
				Title:      p.Title,
				Content:    p.Content,
				Order:      p.Order,
				AssignedTo: AssignedToAll,
			})
		}
		if len(parts) == 0 {
			parts = []Part{{
				ID:         util.NewID("part"),
				Title:      "Content",
				Content:    chapter.Content,
				Order:      0,
				AssignedTo: AssignedToAll,
			}}
		}
		session.Chapters = append(session.Chapters, SessionChapter{
			ID:         chapter.ID,
			Title:      chapter.Title,
			Order:      chapter.Order,
			AssignedTo: AssignedToAll,
			Parts:      parts,
		})
	}

	if err := s.store.Save(ctx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// JoinByCode adds a writer to the session behind an invite code.
// Joining a session you already belong to just returns it.
func (s *Service) JoinByCode(ctx context.Context, code, writerID, penName string) (Session, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	session, err := s.store.LoadByCode(ctx, code)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrInvalidCode
	}
	if err != nil {
		return Session{}, err
	}

	return s.mutate(ctx, session.ID, func(session *Session) error {
		if session.IsMember(writerID) {
			return nil
		}
		now := time.Now()
		session.Members[writerID] = Member{
			ID:       writerID,
			Name:     penName,
			Role:     RoleCollaborator,
			Online:   true,
			JoinedAt: now,
		}
		session.Notifications = append(session.Notifications, Notification{
			ID:        util.NewID("ntf"),
			Text:      fmt.Sprintf("%s joined the story!", penName),
			CreatedAt: now,
		})
		s.publish(Event{Type: EventMemberJoined, SessionID: session.ID, ActorID: writerID, ActorName: penName})
		return nil
	})
}

// GetSession returns a session to one of its members.
func (s *Service) GetSession(ctx context.Context, sessionID, writerID string) (Session, error) {
	session, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !session.IsMember(writerID) {
		return Session{}, ErrForbidden
	}
	return session, nil
}

// ListSessions returns every session a writer belongs to.
func (s *Service) ListSessions(ctx context.Context, writerID string) ([]Session, error) {
	return s.store.ListFor(ctx, writerID)
}

// SetPresence flips a member's online flag. There is no heartbeat; the
// websocket layer calls this on connect and disconnect.
func (s *Service) SetPresence(ctx context.Context, sessionID, writerID string, online bool) error {
	_, err := s.mutate(ctx, sessionID, func(session *Session) error {
		member, ok := session.Members[writerID]
		if !ok {
			return ErrForbidden
		}
		member.Online = online
		session.Members[writerID] = member
		s.publish(Event{Type: EventPresence, SessionID: sessionID, ActorID: writerID, ActorName: member.Name,
			Payload: rawPayload(map[string]any{"online": online})})
		return nil
	})
	return err
}

// AssignPart hands a part to one member, or to "all". Owner only.
func (s *Service) AssignPart(ctx context.Context, sessionID, actorID, chapterID, partID, assigneeID string) (Session, error) {
	return s.mutate(ctx, sessionID, func(session *Session) error {
		if !Can(session.RoleOf(actorID), ActionAssign) {
			return ErrForbidden
		}
		if assigneeID != AssignedToAll && !session.IsMember(assigneeID) {
			return fmt.Errorf("assignee %s is not a member", assigneeID)
		}
		_, part := session.FindPart(chapterID, partID)
		if part == nil {
			return ErrPartNotFound
		}
		part.AssignedTo = assigneeID
		s.publish(Event{Type: EventPartAssigned, SessionID: sessionID, ActorID: actorID,
			Payload: rawPayload(map[string]any{"chapterId": chapterID, "partId": partID, "assignedTo": assigneeID})})
		return nil
	})
}

// AssignChapter scopes a whole chapter to one member, or back to "all".
// Owner only. Part assignments inside the chapter are kept; they refine
// the chapter assignment, they do not override it.
func (s *Service) AssignChapter(ctx context.Context, sessionID, actorID, chapterID, assigneeID string) (Session, error) {
	return s.mutate(ctx, sessionID, func(session *Session) error {
		if !Can(session.RoleOf(actorID), ActionAssign) {
			return ErrForbidden
		}
		if assigneeID != AssignedToAll && !session.IsMember(assigneeID) {
			return fmt.Errorf("assignee %s is not a member", assigneeID)
		}
		chapter, _ := session.FindPart(chapterID, "")
		if chapter == nil {
			return ErrPartNotFound
		}
		chapter.AssignedTo = assigneeID
		s.publish(Event{Type: EventChapterAssigned, SessionID: sessionID, ActorID: actorID,
			Payload: rawPayload(map[string]any{"chapterId": chapterID, "assignedTo": assigneeID})})
		return nil
	})
}

// SavePart records new content for a part the actor may edit. A burst
// of edits coalesces into a single store write and feed event once the
// save delay settles; the latest content wins, field-wise, no merging.
func (s *Service) SavePart(ctx context.Context, sessionID, actorID, actorName, chapterID, partID, content string) (Session, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	session, err := s.store.Load(ctx, sessionID)
	lock.Unlock()
	if err != nil {
		return Session{}, err
	}

	chapter, part := session.FindPart(chapterID, partID)
	if part == nil {
		return Session{}, ErrPartNotFound
	}
	if !session.CanEditPart(actorID, *chapter, *part) {
		return Session{}, ErrForbidden
	}

	part.Content = content
	part.LastEditBy = actorName
	part.LastEditAt = time.Now()

	s.saves.Trigger(sessionID+"/"+partID, func(ctx context.Context) {
		_, err := s.mutate(ctx, sessionID, func(session *Session) error {
			_, part := session.FindPart(chapterID, partID)
			if part == nil {
				return ErrPartNotFound
			}
			part.Content = content
			part.LastEditBy = actorName
			part.LastEditAt = time.Now()
			s.publish(Event{Type: EventPartSaved, SessionID: sessionID, ActorID: actorID, ActorName: actorName,
				Payload: rawPayload(map[string]any{"chapterId": chapterID, "partId": partID})})
			return nil
		})
		if err != nil {
			log.Printf("collab: settle part save %s/%s: %v", sessionID, partID, err)
		}
	})
	return session, nil
}

// AddPart appends a new empty part to a chapter. Owner only.
func (s *Service) AddPart(ctx context.Context, sessionID, actorID, chapterID, title string) (Session, error) {
	return s.mutate(ctx, sessionID, func(session *Session) error {
		if !Can(session.RoleOf(actorID), ActionManage) {
			return ErrForbidden
		}
		chapter, _ := session.FindPart(chapterID, "")
		if chapter == nil {
			return ErrPartNotFound
		}
		chapter.Parts = append(chapter.Parts, Part{
			ID:         util.NewID("part"),
			Title:      title,
			Order:      len(chapter.Parts),
			AssignedTo: AssignedToAll,
		})
		return nil
	})
}

// PostChat appends a chat message to the session log.
func (s *Service) PostChat(ctx context.Context, sessionID, writerID, name, text string) (Session, error) {
	return s.mutate(ctx, sessionID, func(session *Session) error {
		if !Can(session.RoleOf(writerID), ActionChat) {
			return ErrForbidden
		}
		message := ChatMessage{
			ID:       util.NewID("msg"),
			WriterID: writerID,
			Name:     name,
			Text:     text,
			SentAt:   time.Now(),
		}
		session.Chat = append(session.Chat, message)
		s.publish(Event{Type: EventChatMessage, SessionID: sessionID, ActorID: writerID, ActorName: name,
			Payload: rawPayload(message)})
		return nil
	})
}

// LeaveSession drops a collaborator from the session. The owner cannot
// leave; they end the session instead.
func (s *Service) LeaveSession(ctx context.Context, sessionID, writerID string) error {
	_, err := s.mutate(ctx, sessionID, func(session *Session) error {
		if writerID == session.OwnerID {
			return ErrForbidden
		}
		member, ok := session.Members[writerID]
		if !ok {
			return ErrForbidden
		}
		delete(session.Members, writerID)
		if err := s.store.RemoveMemberIndex(ctx, writerID, sessionID); err != nil {
			log.Printf("collab: drop member index for %s: %v", writerID, err)
		}
		s.publish(Event{Type: EventMemberLeft, SessionID: sessionID, ActorID: writerID, ActorName: member.Name})
		return nil
	})
	return err
}

// EndSession deletes the session for everyone. Owner only.
func (s *Service) EndSession(ctx context.Context, sessionID, actorID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !Can(session.RoleOf(actorID), ActionManage) {
		return ErrForbidden
	}
	if err := s.store.Delete(ctx, session); err != nil {
		return err
	}
	s.publish(Event{Type: EventSessionEnded, SessionID: sessionID, ActorID: actorID})
	return nil
}

// mutate runs the session read-modify-write cycle under the lock.
func (s *Service) mutate(ctx context.Context, sessionID string, apply func(*Session) error) (Session, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := apply(&session); err != nil {
		return Session{}, err
	}
	session.UpdatedAt = time.Now()
	if err := s.store.Save(ctx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

func (s *Service) publish(event Event) {
	if s.feed == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.feed.Publish(ctx, event); err != nil {
			log.Printf("collab: publish %s event: %v", event.Type, err)
		}
	}()
}

func rawPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
