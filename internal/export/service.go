package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"evotales/api/internal/story"
)

// StorySource loads a writer's story for export.
type StorySource interface {
	GetStory(ctx context.Context, writerID, storyID string) (story.Story, error)
}

// Service renders stories into downloadable formats.
type Service struct {
	source StorySource
}

// NewService creates a new export service
func NewService(source StorySource) *Service {
	return &Service{source: source}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request, authorName string) (*Result, error) {
	st, err := s.source.GetStory(ctx, req.WriterID, req.StoryID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	data := TemplateData{
		Title:       st.Title,
		Genre:       st.Genre,
		Description: st.Description,
		Author:      authorName,
		ExportedAt:  time.Now(),
	}

	for _, chapter := range st.Chapters {
		data.Chapters = append(data.Chapters, TemplateChapter{
			Title:       chapter.Title,
			ContentHTML: template.HTML(chapterContentToHTML(chapter.Body())),
		})
	}

	if req.IncludeCharacters {
		data.Characters = characterAppendix(st)
	}

	html, err := RenderStoryHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, st.Title)
	case FormatDOCX:
		return exportDOCX(html, st.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// characterAppendix snapshots each character at the final chapter so the
// appendix reflects where the cast ended up.
func characterAppendix(st story.Story) []TemplateCharacter {
	lastChapterID := ""
	if len(st.Chapters) > 0 {
		lastChapterID = st.Chapters[len(st.Chapters)-1].ID
	}
	snapshots := story.CharactersAt(&st, lastChapterID)

	characters := make([]TemplateCharacter, 0, len(snapshots))
	for _, snap := range snapshots {
		tc := TemplateCharacter{
			Name:            snap.Name,
			Role:            snap.Role,
			Archetype:       snap.Archetype,
			Affinity:        snap.Affinity,
			SpecialAffinity: snap.SpecialAffinity,
			Grade:           snap.Grade,
			Level:           snap.Level,
			Tier:            snap.Tier,
			HP:              snap.Stats.HP,
			Mana:            snap.Stats.Mana,
			Speed:           snap.Stats.Speed,
		}
		for _, skill := range snap.Skills {
			tc.Skills = append(tc.Skills, TemplateSkill{
				Name:    skill.Name,
				Kind:    skill.Kind,
				Element: skill.Element,
				Level:   skill.Level,
			})
		}
		characters = append(characters, tc)
	}
	return characters
}
