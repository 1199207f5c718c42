package story

// ChapterState is the derived progression state of a chapter. It is
// never stored; it is recomputed from completion flags and overrides.
type ChapterState string

const (
	// StateLocked means an earlier chapter is not complete yet.
	StateLocked ChapterState = "locked"
	// StateAwaitingDecisions means the chapter is unlocked but at least
	// one character has no recorded decision for it.
	StateAwaitingDecisions ChapterState = "awaiting_decisions"
	// StateWritable means every character has a decision for the chapter.
	StateWritable ChapterState = "writable"
	// StateComplete means the writer flagged the chapter done.
	StateComplete ChapterState = "complete"
)

// ChapterStatus pairs a chapter with its derived state for board views.
type ChapterStatus struct {
	Index     int          `json:"index"`
	ChapterID string       `json:"chapterId"`
	Title     string       `json:"title"`
	State     ChapterState `json:"state"`
	WordCount int          `json:"wordCount"`
}

// ChapterStateAt derives the progression state of the chapter at idx.
// The first chapter is never locked; any later chapter is locked while
// its predecessor is incomplete, even if it was flagged complete before
// the predecessor was reopened. Freeform stories bypass gating: their
// chapters are writable until flagged complete. An "unchanged" decision
// satisfies the gate exactly like a changed one.
func ChapterStateAt(s *Story, idx int) ChapterState {
	if idx < 0 || idx >= len(s.Chapters) {
		return StateLocked
	}
	ch := s.Chapters[idx]
	if s.Structure != StructureFreeform && idx > 0 && !s.Chapters[idx-1].Completed {
		return StateLocked
	}
	if ch.Completed {
		return StateComplete
	}
	if s.Structure == StructureFreeform {
		return StateWritable
	}
	for _, c := range s.Characters {
		if _, decided := c.ChapterOverrides[ch.ID]; !decided {
			return StateAwaitingDecisions
		}
	}
	return StateWritable
}

// Board derives the state of every chapter in order.
func Board(s *Story) []ChapterStatus {
	statuses := make([]ChapterStatus, 0, len(s.Chapters))
	for i, ch := range s.Chapters {
		statuses = append(statuses, ChapterStatus{
			Index:     i,
			ChapterID: ch.ID,
			Title:     ch.Title,
			State:     ChapterStateAt(s, i),
			WordCount: ch.WordCount(),
		})
	}
	return statuses
}

// CanWrite reports whether the chapter at idx accepts content edits.
func CanWrite(s *Story, idx int) bool {
	state := ChapterStateAt(s, idx)
	return state == StateWritable || state == StateComplete
}
