package story

import "evotales/api/internal/stats"

// CharacterSnapshot is a character resolved as of a single chapter.
type CharacterSnapshot struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Role            string      `json:"role"`
	Archetype       string      `json:"archetype"`
	Affinity        string      `json:"affinity,omitempty"`
	SpecialAffinity string      `json:"specialAffinity,omitempty"`
	Grade           string      `json:"grade"`
	Level           int         `json:"level"`
	Tier            string      `json:"tier"`
	Stats           stats.Stats `json:"stats"`
	Skills          []Skill     `json:"skills,omitempty"`
	Changed         bool        `json:"changed"`
}

// CharactersAt resolves every character as of the given chapter. An
// override applies only when it is present and marked changed; an
// "unchanged" decision and a missing decision both resolve to the base
// sheet with freshly derived stats.
func CharactersAt(s *Story, chapterID string) []CharacterSnapshot {
	snapshots := make([]CharacterSnapshot, 0, len(s.Characters))
	for _, c := range s.Characters {
		snap := CharacterSnapshot{
			ID:              c.ID,
			Name:            c.Name,
			Role:            c.Role,
			Archetype:       c.Archetype,
			Affinity:        c.Affinity,
			SpecialAffinity: c.SpecialAffinity,
			Grade:           c.Grade,
			Level:           stats.ClampLevel(c.Level),
			Skills:          c.Skills,
		}
		if ov, ok := c.ChapterOverrides[chapterID]; ok && ov.Changed {
			snap.Level = stats.ClampLevel(ov.Level)
			snap.Grade = ov.Grade
			snap.Skills = ov.Skills
			snap.Changed = true
		}
		snap.Stats = stats.Derive(snap.Level)
		snap.Tier = stats.TierName(snap.Level)
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// ReaderProgress tracks which chapter indexes a reader has unlocked.
// A fresh reader starts with only the first chapter open.
type ReaderProgress struct {
	Unlocked []int `json:"unlocked"`
}

// NewReaderProgress seeds progress with chapter 0 unlocked.
func NewReaderProgress() ReaderProgress {
	return ReaderProgress{Unlocked: []int{0}}
}

// IsUnlocked reports whether a chapter index is readable.
func (p ReaderProgress) IsUnlocked(idx int) bool {
	for _, u := range p.Unlocked {
		if u == idx {
			return true
		}
	}
	return false
}

// Complete marks a chapter read and unlocks the next index. Finishing
// the final chapter unlocks one past the end, which is harmless and
// doubles as the reader's "finished the story" marker.
func (p ReaderProgress) Complete(idx int) ReaderProgress {
	next := idx + 1
	if p.IsUnlocked(next) {
		return p
	}
	p.Unlocked = append(append([]int(nil), p.Unlocked...), next)
	return p
}
