// Package story holds the authoring model: stories, chapters, characters,
// per-chapter overrides, and the progression gate that decides when a
// chapter may be written.
package story

import (
	"strings"
	"time"

	"evotales/api/internal/stats"
)

// StructureKind is how a story's body is organized.
type StructureKind string

const (
	// StructureChaptered stories are gated chapter by chapter.
	StructureChaptered StructureKind = "chaptered"
	// StructureFreeform stories are a single manuscript with no gating.
	StructureFreeform StructureKind = "freeform"
)

// ParseStructureKind normalizes a raw kind, defaulting to chaptered.
func ParseStructureKind(raw string) StructureKind {
	switch StructureKind(strings.ToLower(strings.TrimSpace(raw))) {
	case StructureFreeform:
		return StructureFreeform
	default:
		return StructureChaptered
	}
}

// Skill is one ability on a character sheet.
type Skill struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Element     string `json:"element,omitempty"`
	Level       int    `json:"level"`
	Description string `json:"description,omitempty"`
	Damage      int    `json:"damage,omitempty"`
	HPHeal      int    `json:"hpHeal,omitempty"`
	MPHeal      int    `json:"mpHeal,omitempty"`
	SpeedUp     int    `json:"speedUp,omitempty"`
	AtkBuff     int    `json:"atkBuff,omitempty"`
	DefBuff     int    `json:"defBuff,omitempty"`
	AtkDebuff   int    `json:"atkDebuff,omitempty"`
	DefDebuff   int    `json:"defDebuff,omitempty"`
}

// Override records a writer's decision about a character at one chapter.
// Changed=false means "explicitly unchanged": the decision still counts
// for gating, but the base sheet applies.
type Override struct {
	Changed bool        `json:"changed"`
	Level   int         `json:"level,omitempty"`
	Grade   string      `json:"grade,omitempty"`
	Skills  []Skill     `json:"skills,omitempty"`
	Stats   stats.Stats `json:"stats,omitempty"`
}

// Character is the base sheet plus its per-chapter decisions.
type Character struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Role             string              `json:"role"`
	Archetype        string              `json:"archetype"`
	Affinity         string              `json:"affinity,omitempty"`
	SpecialAffinity  string              `json:"specialAffinity,omitempty"`
	Grade            string              `json:"grade"`
	Level            int                 `json:"level"`
	Stats            stats.Stats         `json:"stats"`
	Skills           []Skill             `json:"skills,omitempty"`
	ChapterOverrides map[string]Override `json:"chapterOverrides,omitempty"`
}

// Part is one titled segment of a chapter body. Chapters without parts
// keep their prose in Content directly.
type Part struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Order   int    `json:"order"`
}

// Chapter is one gated unit of a chaptered story.
type Chapter struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Parts     []Part `json:"parts,omitempty"`
	Completed bool   `json:"completed"`
	Order     int    `json:"order"`
}

// Body is the chapter's full prose: the parts joined in order when the
// chapter has parts, Content otherwise.
func (c Chapter) Body() string {
	if len(c.Parts) == 0 {
		return c.Content
	}
	segments := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		segments = append(segments, p.Content)
	}
	return strings.Join(segments, "\n\n")
}

// PartIndex returns the position of a part ID within the chapter, or -1.
func (c Chapter) PartIndex(partID string) int {
	for i, p := range c.Parts {
		if p.ID == partID {
			return i
		}
	}
	return -1
}

// Story is the writer-local authoring record.
type Story struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Genre       string        `json:"genre"`
	Description string        `json:"description,omitempty"`
	Structure   StructureKind `json:"structure"`
	Chapters    []Chapter     `json:"chapters"`
	Characters  []Character   `json:"characters"`
	RemoteID    string        `json:"remoteId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	PublishedAt *time.Time    `json:"publishedAt,omitempty"`
}

// ChapterIndex returns the position of a chapter ID, or -1.
func (s *Story) ChapterIndex(chapterID string) int {
	for i, ch := range s.Chapters {
		if ch.ID == chapterID {
			return i
		}
	}
	return -1
}

// CharacterIndex returns the position of a character ID, or -1.
func (s *Story) CharacterIndex(characterID string) int {
	for i, c := range s.Characters {
		if c.ID == characterID {
			return i
		}
	}
	return -1
}

// AppendChapter adds a chapter at the end with the next Order value.
func (s *Story) AppendChapter(ch Chapter) {
	ch.Order = len(s.Chapters)
	s.Chapters = append(s.Chapters, ch)
}

// DeleteChapter removes a chapter, prunes its override key from every
// character, and compacts the Order of the remainder. Completion flags
// of later chapters are left untouched.
func (s *Story) DeleteChapter(chapterID string) bool {
	idx := s.ChapterIndex(chapterID)
	if idx < 0 {
		return false
	}
	s.Chapters = append(s.Chapters[:idx], s.Chapters[idx+1:]...)
	for i := range s.Chapters {
		s.Chapters[i].Order = i
	}
	for i := range s.Characters {
		delete(s.Characters[i].ChapterOverrides, chapterID)
	}
	return true
}

// DeleteCharacter removes a character. Nothing else is pruned.
func (s *Story) DeleteCharacter(characterID string) bool {
	idx := s.CharacterIndex(characterID)
	if idx < 0 {
		return false
	}
	s.Characters = append(s.Characters[:idx], s.Characters[idx+1:]...)
	return true
}

// SetOverride records a decision for a character at a chapter. A changed
// decision gets its stats rederived from the override level.
func (s *Story) SetOverride(characterID, chapterID string, ov Override) bool {
	idx := s.CharacterIndex(characterID)
	if idx < 0 || s.ChapterIndex(chapterID) < 0 {
		return false
	}
	if ov.Changed {
		ov.Level = stats.ClampLevel(ov.Level)
		ov.Stats = stats.Derive(ov.Level)
	} else {
		ov = Override{Changed: false}
	}
	if s.Characters[idx].ChapterOverrides == nil {
		s.Characters[idx].ChapterOverrides = make(map[string]Override)
	}
	s.Characters[idx].ChapterOverrides[chapterID] = ov
	return true
}

// ClearOverride removes a decision, returning the chapter to an
// undecided state for that character.
func (s *Story) ClearOverride(characterID, chapterID string) bool {
	idx := s.CharacterIndex(characterID)
	if idx < 0 {
		return false
	}
	if _, ok := s.Characters[idx].ChapterOverrides[chapterID]; !ok {
		return false
	}
	delete(s.Characters[idx].ChapterOverrides, chapterID)
	return true
}

// AppendPart adds a part at the end of a chapter with the next Order.
func (s *Story) AppendPart(chapterID string, p Part) bool {
	idx := s.ChapterIndex(chapterID)
	if idx < 0 {
		return false
	}
	p.Order = len(s.Chapters[idx].Parts)
	s.Chapters[idx].Parts = append(s.Chapters[idx].Parts, p)
	return true
}

// UpdatePart replaces a part's title and content in place.
func (s *Story) UpdatePart(chapterID, partID, title, content string) bool {
	idx := s.ChapterIndex(chapterID)
	if idx < 0 {
		return false
	}
	pi := s.Chapters[idx].PartIndex(partID)
	if pi < 0 {
		return false
	}
	s.Chapters[idx].Parts[pi].Title = title
	s.Chapters[idx].Parts[pi].Content = content
	return true
}

// DeletePart removes a part and compacts the Order of the remainder.
func (s *Story) DeletePart(chapterID, partID string) bool {
	idx := s.ChapterIndex(chapterID)
	if idx < 0 {
		return false
	}
	ch := &s.Chapters[idx]
	pi := ch.PartIndex(partID)
	if pi < 0 {
		return false
	}
	ch.Parts = append(ch.Parts[:pi], ch.Parts[pi+1:]...)
	for i := range ch.Parts {
		ch.Parts[i].Order = i
	}
	return true
}

// WordCount counts whitespace-separated words in a chapter body.
func (c Chapter) WordCount() int {
	return len(strings.Fields(c.Body()))
}

// WordCount sums the word counts of all chapters.
func (s *Story) WordCount() int {
	total := 0
	for _, ch := range s.Chapters {
		total += ch.WordCount()
	}
	return total
}
