package collab

import (
	"time"
)

// Member is one writer inside a session.
type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	Online   bool      `json:"online"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Part is an assignable slice of a chapter. AssignedTo holds a member
// ID, or "all" when anyone in the session may edit it.
type Part struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Order      int       `json:"order"`
	AssignedTo string    `json:"assignedTo"`
	LastEditBy string    `json:"lastEditBy,omitempty"`
	LastEditAt time.Time `json:"lastEditAt,omitempty"`
}

// SessionChapter mirrors a story chapter, split into parts. AssignedTo
// scopes the whole chapter to one member, or "all" when it is open.
type SessionChapter struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Order      int    `json:"order"`
	AssignedTo string `json:"assignedTo"`
	Parts      []Part `json:"parts"`
}

// ChatMessage is one entry in the session chat log.
type ChatMessage struct {
	ID       string    `json:"id"`
	WriterID string    `json:"writerId"`
	Name     string    `json:"name"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}

// Notification is a session-wide announcement, like a new member joining.
type Notification struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is a shared writing room built from one story.
type Session struct {
	ID            string            `json:"id"`
	Code          string            `json:"code"`
	Title         string            `json:"title"`
	Genre         string            `json:"genre"`
	StoryID       string            `json:"storyId"`
	OwnerID       string            `json:"ownerId"`
	OwnerName     string            `json:"ownerName"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Members       map[string]Member `json:"members"`
	Chapters      []SessionChapter  `json:"chapters"`
	Chat          []ChatMessage     `json:"chat"`
	Notifications []Notification    `json:"notifications"`
}

// AssignedToAll marks a part as editable by every member.
const AssignedToAll = "all"

// RoleOf returns a member's role, or empty for non-members.
func (s *Session) RoleOf(writerID string) Role {
	if member, ok := s.Members[writerID]; ok {
		return member.Role
	}
	return ""
}

// IsMember reports whether a writer belongs to the session.
func (s *Session) IsMember(writerID string) bool {
	_, ok := s.Members[writerID]
	return ok
}

// FindPart locates a part inside a chapter, or returns nils.
func (s *Session) FindPart(chapterID, partID string) (*SessionChapter, *Part) {
	for i := range s.Chapters {
		if s.Chapters[i].ID != chapterID {
			continue
		}
		for j := range s.Chapters[i].Parts {
			if s.Chapters[i].Parts[j].ID == partID {
				return &s.Chapters[i], &s.Chapters[i].Parts[j]
			}
		}
		return &s.Chapters[i], nil
	}
	return nil, nil
}

// CanEditPart reports whether a writer may edit a part. The owner can
// always edit; everyone else must clear the chapter assignment first and
// then needs the part assigned to them or to all.
func (s *Session) CanEditPart(writerID string, chapter SessionChapter, part Part) bool {
	if !s.IsMember(writerID) {
		return false
	}
	if writerID == s.OwnerID {
		return true
	}
	if chapter.AssignedTo != "" && chapter.AssignedTo != AssignedToAll && chapter.AssignedTo != writerID {
		return false
	}
	return part.AssignedTo == writerID || part.AssignedTo == AssignedToAll
}
