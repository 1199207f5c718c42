package story

import "testing"

func chapteredStory() *Story {
	return &Story{
		ID:        "story_1",
		Title:     "The Last Archive",
		Genre:     "Fantasy",
		Structure: StructureChaptered,
		Chapters: []Chapter{
			{ID: "ch_1", Title: "Awakening", Order: 0},
			{ID: "ch_2", Title: "The Gate", Order: 1},
			{ID: "ch_3", Title: "Descent", Order: 2},
		},
		Characters: []Character{
			{ID: "char_1", Name: "Kael", Role: "Protagonist", Archetype: "Mage", Grade: "Beginner", Level: 1},
			{ID: "char_2", Name: "Sera", Role: "Rival", Archetype: "Assassin", Grade: "5th Grade", Level: 4},
		},
	}
}

func decideAll(s *Story, chapterID string) {
	for _, c := range s.Characters {
		s.SetOverride(c.ID, chapterID, Override{Changed: false})
	}
}

func TestFirstChapterNeverLocked(t *testing.T) {
	s := chapteredStory()
	if got := ChapterStateAt(s, 0); got == StateLocked {
		t.Fatalf("ChapterStateAt(0) = %v, first chapter must not be locked", got)
	}
}

func TestChapterStates(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*Story)
		idx   int
		want  ChapterState
	}{
		{
			name:  "undecided first chapter awaits decisions",
			setup: func(s *Story) {},
			idx:   0,
			want:  StateAwaitingDecisions,
		},
		{
			name: "all decided is writable",
			setup: func(s *Story) {
				decideAll(s, "ch_1")
			},
			idx:  0,
			want: StateWritable,
		},
		{
			name: "unchanged decision counts",
			setup: func(s *Story) {
				s.SetOverride("char_1", "ch_1", Override{Changed: true, Level: 12, Grade: "4th Grade"})
				s.SetOverride("char_2", "ch_1", Override{Changed: false})
			},
			idx:  0,
			want: StateWritable,
		},
		{
			name: "partial decisions still awaiting",
			setup: func(s *Story) {
				s.SetOverride("char_1", "ch_1", Override{Changed: true, Level: 12})
			},
			idx:  0,
			want: StateAwaitingDecisions,
		},
		{
			name:  "later chapter locked behind incomplete predecessor",
			setup: func(s *Story) { decideAll(s, "ch_2") },
			idx:   1,
			want:  StateLocked,
		},
		{
			name: "unlocks once predecessor completes",
			setup: func(s *Story) {
				s.Chapters[0].Completed = true
				decideAll(s, "ch_2")
			},
			idx:  1,
			want: StateWritable,
		},
		{
			name: "completing one chapter does not unlock two",
			setup: func(s *Story) {
				s.Chapters[0].Completed = true
				decideAll(s, "ch_3")
			},
			idx:  2,
			want: StateLocked,
		},
		{
			name: "completed flag wins",
			setup: func(s *Story) {
				s.Chapters[0].Completed = true
			},
			idx:  0,
			want: StateComplete,
		},
		{
			name: "relocks completed chapter when predecessor reopens",
			setup: func(s *Story) {
				s.Chapters[0].Completed = true
				s.Chapters[1].Completed = true
				s.Chapters[0].Completed = false
			},
			idx:  1,
			want: StateLocked,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := chapteredStory()
			tc.setup(s)
			if got := ChapterStateAt(s, tc.idx); got != tc.want {
				t.Fatalf("ChapterStateAt(%d) = %v, want %v", tc.idx, got, tc.want)
			}
		})
	}
}

func TestReopenedPredecessorBlocksWrites(t *testing.T) {
	s := chapteredStory()
	s.Chapters[0].Completed = true
	s.Chapters[1].Completed = true
	s.Chapters[0].Completed = false
	if CanWrite(s, 1) {
		t.Fatal("CanWrite(1) = true, want false while predecessor is incomplete")
	}
}

func TestFreeformBypassesGating(t *testing.T) {
	s := chapteredStory()
	s.Structure = StructureFreeform
	for idx := range s.Chapters {
		if got := ChapterStateAt(s, idx); got != StateWritable {
			t.Fatalf("ChapterStateAt(%d) = %v, want %v for freeform", idx, got, StateWritable)
		}
	}
}

func TestStoryWithNoCharactersIsWritable(t *testing.T) {
	s := chapteredStory()
	s.Characters = nil
	if got := ChapterStateAt(s, 0); got != StateWritable {
		t.Fatalf("ChapterStateAt(0) = %v, want %v with no characters", got, StateWritable)
	}
}

func TestBoardOrderAndStates(t *testing.T) {
	s := chapteredStory()
	s.Chapters[0].Completed = true
	s.Chapters[0].Content = "dawn broke over the archive"
	decideAll(s, "ch_2")

	board := Board(s)
	if len(board) != 3 {
		t.Fatalf("Board() returned %d entries, want 3", len(board))
	}
	if board[0].State != StateComplete || board[1].State != StateWritable || board[2].State != StateLocked {
		t.Fatalf("Board() states = %v %v %v", board[0].State, board[1].State, board[2].State)
	}
	if board[0].WordCount != 5 {
		t.Fatalf("Board()[0].WordCount = %d, want 5", board[0].WordCount)
	}
}

func TestDeleteChapterPrunesOverrides(t *testing.T) {
	s := chapteredStory()
	decideAll(s, "ch_2")
	s.SetOverride("char_1", "ch_1", Override{Changed: true, Level: 30})

	if !s.DeleteChapter("ch_2") {
		t.Fatal("DeleteChapter(ch_2) = false, want true")
	}
	if len(s.Chapters) != 2 {
		t.Fatalf("chapter count = %d, want 2", len(s.Chapters))
	}
	for i, ch := range s.Chapters {
		if ch.Order != i {
			t.Fatalf("chapter %s Order = %d, want %d", ch.ID, ch.Order, i)
		}
	}
	for _, c := range s.Characters {
		if _, ok := c.ChapterOverrides["ch_2"]; ok {
			t.Fatalf("character %s still has override for deleted chapter", c.ID)
		}
	}
	if _, ok := s.Characters[0].ChapterOverrides["ch_1"]; !ok {
		t.Fatal("unrelated override for ch_1 was pruned")
	}
}

func TestDeleteCharacter(t *testing.T) {
	s := chapteredStory()
	if !s.DeleteCharacter("char_2") {
		t.Fatal("DeleteCharacter(char_2) = false, want true")
	}
	if len(s.Characters) != 1 || s.Characters[0].ID != "char_1" {
		t.Fatalf("unexpected characters after delete: %+v", s.Characters)
	}
	if s.DeleteCharacter("char_2") {
		t.Fatal("expected second delete to report missing character")
	}
}

func TestClearOverrideRegressesGate(t *testing.T) {
	s := chapteredStory()
	decideAll(s, "ch_1")
	if got := ChapterStateAt(s, 0); got != StateWritable {
		t.Fatalf("ChapterStateAt(0) = %v, want %v", got, StateWritable)
	}
	if !s.ClearOverride("char_1", "ch_1") {
		t.Fatal("ClearOverride = false, want true")
	}
	if got := ChapterStateAt(s, 0); got != StateAwaitingDecisions {
		t.Fatalf("ChapterStateAt(0) after clear = %v, want %v", got, StateAwaitingDecisions)
	}
}
