package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"evotales/api/internal/auth"
	"evotales/api/internal/authpw"
	"evotales/api/internal/collab"
	"evotales/api/internal/config"
	"evotales/api/internal/email"
	"evotales/api/internal/export"
	"evotales/api/internal/history"
	"evotales/api/internal/search"
	"evotales/api/internal/stats"
	"evotales/api/internal/store"
	"evotales/api/internal/story"
	"evotales/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	WriterID     string
	PenName      string
	JTI          string
	ExpiresAt    time.Time
}

type SignUpInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	PenName  string `json:"penName"`
}

type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CreateStoryInput struct {
	Title       string `json:"title"`
	Genre       string `json:"genre"`
	Description string `json:"description"`
	Structure   string `json:"structure"`
}

type UpdateStoryInput struct {
	Title       string `json:"title"`
	Genre       string `json:"genre"`
	Description string `json:"description"`
}

type ChapterInput struct {
	Title string `json:"title"`
}

type ChapterContentInput struct {
	Content string `json:"content"`
}

type ChapterCompleteInput struct {
	Completed bool `json:"completed"`
}

type PartInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type CharacterInput struct {
	Name            string        `json:"name"`
	Role            string        `json:"role"`
	Archetype       string        `json:"archetype"`
	Affinity        string        `json:"affinity"`
	SpecialAffinity string        `json:"specialAffinity"`
	Grade           string        `json:"grade"`
	Level           int           `json:"level"`
	Skills          []story.Skill `json:"skills"`
}

type OverrideInput struct {
	Changed bool          `json:"changed"`
	Level   int           `json:"level"`
	Grade   string        `json:"grade"`
	Skills  []story.Skill `json:"skills"`
}

type ProgressInput struct {
	ChapterIndex int `json:"chapterIndex"`
}

type storyLibrary interface {
	ListStories(ctx context.Context, writerID string) ([]story.Story, error)
	GetStory(ctx context.Context, writerID, storyID string) (story.Story, error)
	CreateStory(ctx context.Context, writerID string, st story.Story) error
	PatchStory(ctx context.Context, writerID, storyID string, patch func(*story.Story) error) (story.Story, error)
	DeleteStory(ctx context.Context, writerID, storyID string) error
}

type catalogStore interface {
	InsertPublishedStory(context.Context, store.PublishedStory) error
	UpdatePublishedStory(context.Context, store.PublishedStory) (bool, error)
	FindPublishedByTitle(context.Context, string) (store.PublishedStory, error)
	GetPublishedStory(context.Context, string) (store.PublishedStory, error)
	DeletePublishedStory(context.Context, string) error
	ListPublishedStories(context.Context, int, int) ([]store.PublishedStory, error)
	Ping(ctx context.Context) error
}

type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, writerID, penName string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Writer, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type manuscriptHistory interface {
	EnsureStoryRepo(storyID string, initial history.Manuscript, author string) error
	CommitSnapshot(storyID string, manuscript history.Manuscript, author, message string) (store.CommitInfo, error)
	History(storyID string, limit int) ([]store.CommitInfo, error)
	GetManuscriptByHash(storyID, hash string) (history.Manuscript, error)
	TagPublish(storyID, hash, name string) error
}

type progressStore interface {
	Get(ctx context.Context, readerID, publishedID string) (story.ReaderProgress, error)
	Save(ctx context.Context, readerID, publishedID string, progress story.ReaderProgress) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexStory(record search.StoryRecord)
	DeleteStory(id string)
}

type exporter interface {
	Export(ctx context.Context, req export.Request, authorName string) (*export.Result, error)
}

type Service struct {
	cfg       config.Config
	library   storyLibrary
	catalog   catalogStore
	sessions  refreshStore
	history   manuscriptHistory
	progress  progressStore
	search    searchIndex
	exporter  exporter
	collab    *collab.Service
	accounts  *authpw.Service
	mailer    *email.Service
	snapshots *util.Debouncer
}

func New(
	cfg config.Config,
	lib storyLibrary,
	catalog catalogStore,
	sessions refreshStore,
	hist manuscriptHistory,
	progress progressStore,
	idx searchIndex,
	exp exporter,
	collabSvc *collab.Service,
	accounts *authpw.Service,
	mailer *email.Service,
) *Service {
	return &Service{
		cfg:       cfg,
		library:   lib,
		catalog:   catalog,
		sessions:  sessions,
		history:   hist,
		progress:  progress,
		search:    idx,
		exporter:  exp,
		collab:    collabSvc,
		accounts:  accounts,
		mailer:    mailer,
		snapshots: util.NewDebouncer(util.DefaultSaveDelay),
	}
}

// Close flushes pending manuscript snapshots and coalesced part saves.
func (s *Service) Close(ctx context.Context) {
	s.snapshots.Flush(ctx)
	s.collab.Flush(ctx)
}

// --- Accounts and sessions ---

func (s *Service) SignUp(ctx context.Context, input SignUpInput) (map[string]any, error) {
	resp, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{
		Email:    strings.TrimSpace(input.Email),
		Password: input.Password,
		PenName:  strings.TrimSpace(input.PenName),
	})
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	payload := map[string]any{
		"writerId":            resp.WriterID,
		"requiresEmailVerify": resp.RequiresEmailVerify,
	}

	if s.mailer.IsConfigured() {
		verifyURL := s.cfg.AppBaseURL + "/verify?token=" + resp.VerificationToken
		if err := s.mailer.SendVerificationEmail(input.Email, input.PenName, verifyURL); err != nil {
			return nil, err
		}
	} else {
		// Without SMTP the token is surfaced so local setups can verify.
		payload["devVerificationToken"] = resp.VerificationToken
	}
	return payload, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.accounts.VerifyEmail(ctx, token); err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

func (s *Service) SignIn(ctx context.Context, input SignInInput) (Session, error) {
	resp, err := s.accounts.SignIn(ctx, authpw.SignInRequest{
		Email:    strings.TrimSpace(input.Email),
		Password: input.Password,
	})
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if resp.RequiresVerify {
		return Session{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Verify your email address before signing in", nil)
	}
	return s.issueSession(ctx, resp.Writer)
}

func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (map[string]any, error) {
	token, err := s.accounts.RequestPasswordReset(ctx, strings.TrimSpace(emailAddr))
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"ok": true}
	if token == "" {
		return payload, nil
	}
	if s.mailer.IsConfigured() {
		resetURL := s.cfg.AppBaseURL + "/reset?token=" + token
		if err := s.mailer.SendPasswordResetEmail(emailAddr, "there", resetURL); err != nil {
			return nil, err
		}
	} else {
		payload["devResetToken"] = token
	}
	return payload, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	err := s.accounts.ResetPassword(ctx, authpw.ResetPasswordRequest{
		Token:       token,
		NewPassword: newPassword,
	})
	if err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	writer, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, writer)
}

func (s *Service) issueSession(ctx context.Context, writer store.Writer) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:     writer.ID,
		PenName: writer.PenName,
		JTI:     jti,
		Exp:     expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), writer.ID, writer.PenName, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		WriterID:     writer.ID,
		PenName:      writer.PenName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		WriterID:  claims.Sub,
		PenName:   claims.PenName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- Story library ---

func (s *Service) ListStories(ctx context.Context, writerID string) ([]map[string]any, error) {
	stories, err := s.library.ListStories(ctx, writerID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(stories))
	for i := range stories {
		items = append(items, storySummary(&stories[i]))
	}
	return items, nil
}

func (s *Service) GetStory(ctx context.Context, writerID, storyID string) (map[string]any, error) {
	st, err := s.library.GetStory(ctx, writerID, storyID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"story": st,
		"board": story.Board(&st),
	}, nil
}

func (s *Service) CreateStory(ctx context.Context, session Session, input CreateStoryInput) (story.Story, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return story.Story{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if input.Genre != "" && !stats.ValidGenre(input.Genre) {
		return story.Story{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown genre", nil)
	}

	now := time.Now()
	st := story.Story{
		ID:          util.NewID("story"),
		Title:       title,
		Genre:       input.Genre,
		Description: strings.TrimSpace(input.Description),
		Structure:   story.ParseStructureKind(input.Structure),
		Chapters:    []story.Chapter{},
		Characters:  []story.Character{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.library.CreateStory(ctx, session.WriterID, st); err != nil {
		return story.Story{}, err
	}
	if err := s.history.EnsureStoryRepo(st.ID, manuscriptFor(&st), session.PenName); err != nil {
		return story.Story{}, err
	}
	return st, nil
}

func (s *Service) UpdateStory(ctx context.Context, session Session, storyID string, input UpdateStoryInput) (story.Story, error) {
	if input.Genre != "" && !stats.ValidGenre(input.Genre) {
		return story.Story{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown genre", nil)
	}
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		if title := strings.TrimSpace(input.Title); title != "" {
			st.Title = title
		}
		if input.Genre != "" {
			st.Genre = input.Genre
		}
		if input.Description != "" {
			st.Description = strings.TrimSpace(input.Description)
		}
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) DeleteStory(ctx context.Context, writerID, storyID string) error {
	return s.library.DeleteStory(ctx, writerID, storyID)
}

// --- Chapters ---

func (s *Service) AddChapter(ctx context.Context, session Session, storyID string, input ChapterInput) (story.Story, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return story.Story{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		st.AppendChapter(story.Chapter{
			ID:    util.NewID("ch"),
			Title: title,
		})
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) UpdateChapterContent(ctx context.Context, session Session, storyID, chapterID string, input ChapterContentInput) (story.Story, error) {
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		idx := st.ChapterIndex(chapterID)
		if idx < 0 {
			return domainError(http.StatusNotFound, "NOT_FOUND", "chapter not found", nil)
		}
		if !story.CanWrite(st, idx) {
			return domainError(http.StatusConflict, "CHAPTER_LOCKED", "Chapter is not writable yet", map[string]any{
				"state": story.ChapterStateAt(st, idx),
			})
		}
		st.Chapters[idx].Content = input.Content
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) SetChapterCompleted(ctx context.Context, session Session, storyID, chapterID string, input ChapterCompleteInput) (story.Story, error) {
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		idx := st.ChapterIndex(chapterID)
		if idx < 0 {
			return domainError(http.StatusNotFound, "NOT_FOUND", "chapter not found", nil)
		}
		if input.Completed {
			state := story.ChapterStateAt(st, idx)
			if state != story.StateWritable && state != story.StateComplete {
				return domainError(http.StatusConflict, "CHAPTER_LOCKED", "Chapter cannot be completed yet", map[string]any{
					"state": state,
				})
			}
		}
		st.Chapters[idx].Completed = input.Completed
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) DeleteChapter(ctx context.Context, session Session, storyID, chapterID string) (story.Story, error) {
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		if !st.DeleteChapter(chapterID) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "chapter not found", nil)
		}
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

// --- Parts ---

// writableChapter resolves a chapter index and enforces the gate the
// same way content edits do.
func writableChapter(st *story.Story, chapterID string) (int, error) {
	idx := st.ChapterIndex(chapterID)
	if idx < 0 {
		return -1, domainError(http.StatusNotFound, "NOT_FOUND", "chapter not found", nil)
	}
	if !story.CanWrite(st, idx) {
		return -1, domainError(http.StatusConflict, "CHAPTER_LOCKED", "Chapter is not writable yet", map[string]any{
			"state": story.ChapterStateAt(st, idx),
		})
	}
	return idx, nil
}

func (s *Service) AddChapterPart(ctx context.Context, session Session, storyID, chapterID string, input PartInput) (story.Story, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return story.Story{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		if _, err := writableChapter(st, chapterID); err != nil {
			return err
		}
		st.AppendPart(chapterID, story.Part{
			ID:      util.NewID("part"),
			Title:   title,
			Content: input.Content,
		})
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) UpdateChapterPart(ctx context.Context, session Session, storyID, chapterID, partID string, input PartInput) (story.Story, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return story.Story{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		if _, err := writableChapter(st, chapterID); err != nil {
			return err
		}
		if !st.UpdatePart(chapterID, partID, title, input.Content) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "part not found", nil)
		}
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) DeleteChapterPart(ctx context.Context, session Session, storyID, chapterID, partID string) (story.Story, error) {
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		if _, err := writableChapter(st, chapterID); err != nil {
			return err
		}
		if !st.DeletePart(chapterID, partID) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "part not found", nil)
		}
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) StoryBoard(ctx context.Context, writerID, storyID string) ([]story.ChapterStatus, error) {
	st, err := s.library.GetStory(ctx, writerID, storyID)
	if err != nil {
		return nil, err
	}
	return story.Board(&st), nil
}

func (s *Service) ChapterCharacters(ctx context.Context, writerID, storyID, chapterID string) ([]story.CharacterSnapshot, error) {
	st, err := s.library.GetStory(ctx, writerID, storyID)
	if err != nil {
		return nil, err
	}
	if st.ChapterIndex(chapterID) < 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "chapter not found", nil)
	}
	return story.CharactersAt(&st, chapterID), nil
}

// --- Characters ---

func validateCharacterInput(input CharacterInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if !stats.ValidRole(input.Role) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown role", nil)
	}
	if !stats.ValidArchetype(input.Archetype) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown archetype", nil)
	}
	if input.Affinity != "" && !stats.ValidAffinity(input.Affinity) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown affinity", nil)
	}
	if input.SpecialAffinity != "" && !stats.ValidSpecialAffinity(input.SpecialAffinity) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown special affinity", nil)
	}
	if !stats.ValidGrade(input.Grade) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown grade", nil)
	}
	return validateSkills(input.Skills)
}

func validateSkills(skills []story.Skill) error {
	for _, skill := range skills {
		if strings.TrimSpace(skill.Name) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "skill name is required", nil)
		}
		if !stats.ValidSkillKind(skill.Kind) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown skill kind", nil)
		}
		if skill.Element != "" && !stats.ValidAffinity(skill.Element) && !stats.ValidSpecialAffinity(skill.Element) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown skill element", nil)
		}
	}
	return nil
}

func (s *Service) AddCharacter(ctx context.Context, session Session, storyID string, input CharacterInput) (story.Story, error) {
	if err := validateCharacterInput(input); err != nil {
		return story.Story{}, err
	}
	level := stats.ClampLevel(input.Level)
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		st.Characters = append(st.Characters, story.Character{
			ID:              util.NewID("chr"),
			Name:            strings.TrimSpace(input.Name),
			Role:            input.Role,
			Archetype:       input.Archetype,
			Affinity:        input.Affinity,
			SpecialAffinity: input.SpecialAffinity,
			Grade:           input.Grade,
			Level:           level,
			Stats:           stats.Derive(level),
			Skills:          input.Skills,
		})
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) UpdateCharacter(ctx context.Context, session Session, storyID, characterID string, input CharacterInput) (story.Story, error) {
	if err := validateCharacterInput(input); err != nil {
		return story.Story{}, err
	}
	level := stats.ClampLevel(input.Level)
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		idx := st.CharacterIndex(characterID)
		if idx < 0 {
			return domainError(http.StatusNotFound, "NOT_FOUND", "character not found", nil)
		}
		ch := &st.Characters[idx]
		ch.Name = strings.TrimSpace(input.Name)
		ch.Role = input.Role
		ch.Archetype = input.Archetype
		ch.Affinity = input.Affinity
		ch.SpecialAffinity = input.SpecialAffinity
		ch.Grade = input.Grade
		ch.Level = level
		ch.Stats = stats.Derive(level)
		ch.Skills = input.Skills
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) DeleteCharacter(ctx context.Context, session Session, storyID, characterID string) (story.Story, error) {
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		if !st.DeleteCharacter(characterID) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "character not found", nil)
		}
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) SetOverride(ctx context.Context, session Session, storyID, characterID, chapterID string, input OverrideInput) (story.Story, error) {
	if input.Changed {
		if input.Grade != "" && !stats.ValidGrade(input.Grade) {
			return story.Story{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown grade", nil)
		}
		if err := validateSkills(input.Skills); err != nil {
			return story.Story{}, err
		}
	}
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		ok := st.SetOverride(characterID, chapterID, story.Override{
			Changed: input.Changed,
			Level:   input.Level,
			Grade:   input.Grade,
			Skills:  input.Skills,
		})
		if !ok {
			return domainError(http.StatusNotFound, "NOT_FOUND", "character or chapter not found", nil)
		}
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

func (s *Service) ClearOverride(ctx context.Context, session Session, storyID, characterID, chapterID string) (story.Story, error) {
	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		if !st.ClearOverride(characterID, chapterID) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "override not found", nil)
		}
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}
	s.scheduleSnapshot(session, storyID)
	return st, nil
}

// --- Manuscript history ---

func (s *Service) StoryHistory(ctx context.Context, writerID, storyID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.library.GetStory(ctx, writerID, storyID); err != nil {
		return nil, err
	}
	return s.history.History(storyID, limit)
}

func (s *Service) StorySnapshot(ctx context.Context, writerID, storyID, hash string) (history.Manuscript, error) {
	if _, err := s.library.GetStory(ctx, writerID, storyID); err != nil {
		return history.Manuscript{}, err
	}
	return s.history.GetManuscriptByHash(storyID, hash)
}

// RestoreSnapshot replaces the working story with the manuscript at a
// commit and records the restore as a fresh commit on top.
func (s *Service) RestoreSnapshot(ctx context.Context, session Session, storyID, hash string) (story.Story, error) {
	manuscript, err := s.StorySnapshot(ctx, session.WriterID, storyID, hash)
	if err != nil {
		return story.Story{}, err
	}

	var chapters []story.Chapter
	if len(manuscript.Chapters) > 0 {
		if err := json.Unmarshal(manuscript.Chapters, &chapters); err != nil {
			return story.Story{}, fmt.Errorf("decode snapshot chapters: %w", err)
		}
	}
	var characters []story.Character
	if len(manuscript.Characters) > 0 {
		if err := json.Unmarshal(manuscript.Characters, &characters); err != nil {
			return story.Story{}, fmt.Errorf("decode snapshot characters: %w", err)
		}
	}

	st, err := s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		st.Title = manuscript.Title
		st.Genre = manuscript.Genre
		st.Description = manuscript.Description
		if manuscript.Structure != "" {
			st.Structure = story.StructureKind(manuscript.Structure)
		}
		st.Chapters = chapters
		st.Characters = characters
		return nil
	})
	if err != nil {
		return story.Story{}, err
	}

	short := hash
	if len(short) > 7 {
		short = short[:7]
	}
	_, _ = s.history.CommitSnapshot(storyID, manuscriptFor(&st), session.PenName, "Restore "+short)
	return st, nil
}

// scheduleSnapshot commits the story manuscript after edits settle, so
// a burst of keystrokes produces one history entry instead of dozens.
func (s *Service) scheduleSnapshot(session Session, storyID string) {
	s.snapshots.Trigger("snap:"+session.WriterID+":"+storyID, func(ctx context.Context) {
		st, err := s.library.GetStory(ctx, session.WriterID, storyID)
		if err != nil {
			return
		}
		_, _ = s.history.CommitSnapshot(storyID, manuscriptFor(&st), session.PenName, "Autosave")
	})
}

func manuscriptFor(st *story.Story) history.Manuscript {
	chapters, _ := json.Marshal(st.Chapters)
	characters, _ := json.Marshal(st.Characters)
	return history.Manuscript{
		Title:       st.Title,
		Genre:       st.Genre,
		Description: st.Description,
		Structure:   string(st.Structure),
		Chapters:    chapters,
		Characters:  characters,
	}
}

// --- Publishing ---

// PublishStory upserts the story into the public catalog. A story that
// was published before updates its existing entry; a first publish
// probes the catalog by exact title so a library wipe does not spawn
// duplicates, and inserts a fresh entry otherwise.
func (s *Service) PublishStory(ctx context.Context, session Session, storyID string) (map[string]any, error) {
	st, err := s.library.GetStory(ctx, session.WriterID, storyID)
	if err != nil {
		return nil, err
	}
	if len(st.Chapters) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "story has no chapters to publish", nil)
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ps := store.PublishedStory{
		Title:       st.Title,
		Genre:       st.Genre,
		Description: st.Description,
		Structure:   string(st.Structure),
		Payload:     payload,
		WriterID:    session.WriterID,
		WriterName:  session.PenName,
		WordCount:   st.WordCount(),
		UpdatedAt:   now,
	}

	publishedAt := now
	if st.PublishedAt != nil {
		publishedAt = *st.PublishedAt
	}

	remoteID := st.RemoteID
	updated := false
	if remoteID != "" {
		ps.ID = remoteID
		updated, err = s.catalog.UpdatePublishedStory(ctx, ps)
		if err != nil {
			return nil, err
		}
	}
	if !updated {
		existing, err := s.catalog.FindPublishedByTitle(ctx, st.Title)
		switch {
		case err == nil && existing.WriterID == session.WriterID:
			remoteID = existing.ID
			publishedAt = existing.PublishedAt
			ps.ID = remoteID
			if _, err := s.catalog.UpdatePublishedStory(ctx, ps); err != nil {
				return nil, err
			}
		case err == nil || errors.Is(err, sql.ErrNoRows):
			remoteID = util.NewID("pub")
			ps.ID = remoteID
			ps.PublishedAt = publishedAt
			if err := s.catalog.InsertPublishedStory(ctx, ps); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}

	st, err = s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		st.RemoteID = remoteID
		st.PublishedAt = &publishedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.search.IndexStory(search.StoryRecord{
		ID:          remoteID,
		Title:       st.Title,
		Genre:       st.Genre,
		Description: st.Description,
		Structure:   string(st.Structure),
		WriterName:  session.PenName,
		WordCount:   st.WordCount(),
	})

	commit, err := s.history.CommitSnapshot(storyID, manuscriptFor(&st), session.PenName, "Publish")
	if err == nil {
		tag := "publish-" + now.UTC().Format("20060102-150405")
		_ = s.history.TagPublish(storyID, commit.Hash, tag)
	}

	return map[string]any{
		"remoteId":    remoteID,
		"publishedAt": publishedAt,
		"wordCount":   st.WordCount(),
	}, nil
}

func (s *Service) UnpublishStory(ctx context.Context, session Session, storyID string) error {
	st, err := s.library.GetStory(ctx, session.WriterID, storyID)
	if err != nil {
		return err
	}
	if st.RemoteID == "" {
		return domainError(http.StatusConflict, "NOT_PUBLISHED", "Story is not published", nil)
	}

	remoteID := st.RemoteID
	if err := s.catalog.DeletePublishedStory(ctx, remoteID); err != nil {
		return err
	}
	s.search.DeleteStory(remoteID)

	_, err = s.library.PatchStory(ctx, session.WriterID, storyID, func(st *story.Story) error {
		st.RemoteID = ""
		st.PublishedAt = nil
		return nil
	})
	return err
}

// --- Discovery ---

func (s *Service) CatalogFeed(ctx context.Context, limit, offset int) ([]map[string]any, error) {
	entries, err := s.catalog.ListPublishedStories(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, catalogSummary(entry))
	}
	return items, nil
}

func (s *Service) CatalogStory(ctx context.Context, publishedID string) (map[string]any, error) {
	entry, err := s.catalog.GetPublishedStory(ctx, publishedID)
	if err != nil {
		return nil, err
	}
	var st story.Story
	if err := json.Unmarshal(entry.Payload, &st); err != nil {
		return nil, err
	}
	item := catalogSummary(entry)
	item["story"] = st
	return item, nil
}

func (s *Service) SearchCatalog(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) ReaderProgressFor(ctx context.Context, readerID, publishedID string) (map[string]any, error) {
	entry, err := s.catalog.GetPublishedStory(ctx, publishedID)
	if err != nil {
		return nil, err
	}
	var st story.Story
	if err := json.Unmarshal(entry.Payload, &st); err != nil {
		return nil, err
	}
	progress, err := s.progress.Get(ctx, readerID, publishedID)
	if err != nil {
		return nil, err
	}
	return readerView(progress, &st), nil
}

// CompleteReaderChapter marks one chapter read and unlocks the next.
// Completing a chapter the reader never unlocked is rejected.
func (s *Service) CompleteReaderChapter(ctx context.Context, readerID, publishedID string, input ProgressInput) (map[string]any, error) {
	entry, err := s.catalog.GetPublishedStory(ctx, publishedID)
	if err != nil {
		return nil, err
	}
	var st story.Story
	if err := json.Unmarshal(entry.Payload, &st); err != nil {
		return nil, err
	}
	if input.ChapterIndex < 0 || input.ChapterIndex >= len(st.Chapters) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapterIndex is out of range", nil)
	}

	progress, err := s.progress.Get(ctx, readerID, publishedID)
	if err != nil {
		return nil, err
	}
	if !progress.IsUnlocked(input.ChapterIndex) {
		return nil, domainError(http.StatusConflict, "CHAPTER_LOCKED", "Chapter is not unlocked yet", nil)
	}

	progress = progress.Complete(input.ChapterIndex)
	if err := s.progress.Save(ctx, readerID, publishedID, progress); err != nil {
		return nil, err
	}
	return readerView(progress, &st), nil
}

func readerView(progress story.ReaderProgress, st *story.Story) map[string]any {
	chapters := make([]map[string]any, 0, len(st.Chapters))
	for i, ch := range st.Chapters {
		chapters = append(chapters, map[string]any{
			"index":    i,
			"title":    ch.Title,
			"unlocked": progress.IsUnlocked(i),
		})
	}
	return map[string]any{
		"unlocked": progress.Unlocked,
		"chapters": chapters,
	}
}

// --- Export ---

func (s *Service) ExportStory(ctx context.Context, session Session, storyID string, format export.Format, includeCharacters bool) (*export.Result, error) {
	return s.exporter.Export(ctx, export.Request{
		WriterID:          session.WriterID,
		StoryID:           storyID,
		Format:            format,
		IncludeCharacters: includeCharacters,
	}, session.PenName)
}

// --- Collab sessions ---

// StartCollabSession opens a live session over a published story.
// Unpublished drafts cannot be shared.
func (s *Service) StartCollabSession(ctx context.Context, session Session, storyID string) (collab.Session, error) {
	st, err := s.library.GetStory(ctx, session.WriterID, storyID)
	if err != nil {
		return collab.Session{}, err
	}
	if st.RemoteID == "" {
		return collab.Session{}, domainError(http.StatusConflict, "NOT_PUBLISHED", "Publish the story before starting a session", nil)
	}
	return s.collab.CreateSession(ctx, session.WriterID, session.PenName, st)
}

func (s *Service) JoinCollabSession(ctx context.Context, session Session, code string) (collab.Session, error) {
	return s.collab.JoinByCode(ctx, code, session.WriterID, session.PenName)
}

func (s *Service) GetCollabSession(ctx context.Context, session Session, sessionID string) (collab.Session, error) {
	return s.collab.GetSession(ctx, sessionID, session.WriterID)
}

func (s *Service) ListCollabSessions(ctx context.Context, session Session) ([]collab.Session, error) {
	return s.collab.ListSessions(ctx, session.WriterID)
}

func (s *Service) AssignCollabChapter(ctx context.Context, session Session, sessionID, chapterID, assigneeID string) (collab.Session, error) {
	return s.collab.AssignChapter(ctx, sessionID, session.WriterID, chapterID, assigneeID)
}

func (s *Service) AssignCollabPart(ctx context.Context, session Session, sessionID, chapterID, partID, assigneeID string) (collab.Session, error) {
	return s.collab.AssignPart(ctx, sessionID, session.WriterID, chapterID, partID, assigneeID)
}

func (s *Service) SaveCollabPart(ctx context.Context, session Session, sessionID, chapterID, partID, content string) (collab.Session, error) {
	return s.collab.SavePart(ctx, sessionID, session.WriterID, session.PenName, chapterID, partID, content)
}

func (s *Service) AddCollabPart(ctx context.Context, session Session, sessionID, chapterID, title string) (collab.Session, error) {
	return s.collab.AddPart(ctx, sessionID, session.WriterID, chapterID, title)
}

func (s *Service) PostCollabChat(ctx context.Context, session Session, sessionID, text string) (collab.Session, error) {
	if strings.TrimSpace(text) == "" {
		return collab.Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	return s.collab.PostChat(ctx, sessionID, session.WriterID, session.PenName, text)
}

func (s *Service) LeaveCollabSession(ctx context.Context, session Session, sessionID string) error {
	return s.collab.LeaveSession(ctx, sessionID, session.WriterID)
}

func (s *Service) EndCollabSession(ctx context.Context, session Session, sessionID string) error {
	return s.collab.EndSession(ctx, sessionID, session.WriterID)
}

// InviteToCollabSession emails the session invite code. Only the owner
// can invite.
func (s *Service) InviteToCollabSession(ctx context.Context, session Session, sessionID, to string) error {
	sess, err := s.collab.GetSession(ctx, sessionID, session.WriterID)
	if err != nil {
		return err
	}
	if sess.OwnerID != session.WriterID {
		return collab.ErrForbidden
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	if !s.mailer.IsConfigured() {
		return domainError(http.StatusConflict, "EMAIL_NOT_CONFIGURED", "Email delivery is not configured", nil)
	}
	return s.mailer.SendSessionInviteEmail(to, session.PenName, sess.Title, sess.Code)
}

// --- Misc ---

// Enums returns the option lists the authoring UI offers.
func (s *Service) Enums() map[string]any {
	return map[string]any{
		"archetypes":        stats.Archetypes,
		"affinities":        stats.Affinities,
		"specialAffinities": stats.SpecialAffinities,
		"grades":            stats.Grades,
		"roles":             stats.Roles,
		"genres":            stats.Genres,
		"skillKinds":        stats.SkillKinds,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.catalog.Ping(ctx)
}

func storySummary(st *story.Story) map[string]any {
	completed := 0
	for _, ch := range st.Chapters {
		if ch.Completed {
			completed++
		}
	}
	summary := map[string]any{
		"id":                st.ID,
		"title":             st.Title,
		"genre":             st.Genre,
		"structure":         st.Structure,
		"chapterCount":      len(st.Chapters),
		"completedChapters": completed,
		"characterCount":    len(st.Characters),
		"wordCount":         st.WordCount(),
		"updatedAt":         st.UpdatedAt,
	}
	if st.RemoteID != "" {
		summary["remoteId"] = st.RemoteID
		summary["publishedAt"] = st.PublishedAt
	}
	return summary
}

func catalogSummary(entry store.PublishedStory) map[string]any {
	return map[string]any{
		"id":          entry.ID,
		"title":       entry.Title,
		"genre":       entry.Genre,
		"description": entry.Description,
		"structure":   entry.Structure,
		"writerId":    entry.WriterID,
		"writerName":  entry.WriterName,
		"wordCount":   entry.WordCount,
		"publishedAt": entry.PublishedAt,
		"updatedAt":   entry.UpdatedAt,
	}
}
