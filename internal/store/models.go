package store

import (
	"encoding/json"
	"time"
)

// Writer is an account that authors and publishes stories.
type Writer struct {
	ID                string
	PenName           string
	Email             string
	PasswordHash      string
	IsEmailVerified   bool
	VerificationToken string
	CreatedAt         time.Time
}

// PublishedStory is a row in the public catalog. Payload carries the
// full story body (chapters, characters, overrides) as JSON so readers
// get exactly what the writer published.
type PublishedStory struct {
	ID          string
	Title       string
	Genre       string
	Description string
	Structure   string
	Payload     json.RawMessage
	WriterID    string
	WriterName  string
	WordCount   int
	PublishedAt time.Time
	UpdatedAt   time.Time
}

// CommitInfo describes one manuscript snapshot.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
