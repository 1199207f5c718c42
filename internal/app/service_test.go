package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"evotales/api/internal/authpw"
	"evotales/api/internal/collab"
	"evotales/api/internal/config"
	"evotales/api/internal/email"
	"evotales/api/internal/export"
	"evotales/api/internal/history"
	"evotales/api/internal/library"
	"evotales/api/internal/search"
	"evotales/api/internal/stats"
	"evotales/api/internal/store"
	"evotales/api/internal/story"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// memLibraryStore backs the real library service with a map.
type memLibraryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemLibraryStore() *memLibraryStore {
	return &memLibraryStore{data: make(map[string][]byte)}
}

func (m *memLibraryStore) Load(ctx context.Context, writerID string) ([]story.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[writerID]
	if !ok {
		return []story.Story{}, nil
	}
	var stories []story.Story
	if err := json.Unmarshal(raw, &stories); err != nil {
		return nil, err
	}
	return stories, nil
}

func (m *memLibraryStore) Save(ctx context.Context, writerID string, stories []story.Story) error {
	raw, err := json.Marshal(stories)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[writerID] = raw
	return nil
}

// memCatalog is an in-memory catalogStore.
type memCatalog struct {
	mu      sync.Mutex
	entries map[string]store.PublishedStory
	pingErr error
}

func newMemCatalog() *memCatalog {
	return &memCatalog{entries: make(map[string]store.PublishedStory)}
}

func (m *memCatalog) InsertPublishedStory(ctx context.Context, ps store.PublishedStory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ps.ID] = ps
	return nil
}

func (m *memCatalog) UpdatePublishedStory(ctx context.Context, ps store.PublishedStory) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.entries[ps.ID]
	if !ok {
		return false, nil
	}
	ps.PublishedAt = existing.PublishedAt
	m.entries[ps.ID] = ps
	return true, nil
}

func (m *memCatalog) FindPublishedByTitle(ctx context.Context, title string) (store.PublishedStory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range m.entries {
		if ps.Title == title {
			return ps, nil
		}
	}
	return store.PublishedStory{}, sql.ErrNoRows
}

func (m *memCatalog) GetPublishedStory(ctx context.Context, id string) (store.PublishedStory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.entries[id]
	if !ok {
		return store.PublishedStory{}, sql.ErrNoRows
	}
	return ps, nil
}

func (m *memCatalog) DeletePublishedStory(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *memCatalog) ListPublishedStories(ctx context.Context, limit, offset int) ([]store.PublishedStory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.PublishedStory, 0, len(m.entries))
	for _, ps := range m.entries {
		items = append(items, ps)
	}
	return items, nil
}

func (m *memCatalog) Ping(ctx context.Context) error {
	return m.pingErr
}

// memSessions is an in-memory refreshStore.
type memSessions struct {
	mu     sync.Mutex
	tokens map[string]store.Writer
}

func newMemSessions() *memSessions {
	return &memSessions{tokens: make(map[string]store.Writer)}
}

func (m *memSessions) SaveRefreshSession(ctx context.Context, tokenHash, writerID, penName string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenHash] = store.Writer{ID: writerID, PenName: penName}
	return nil
}

func (m *memSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	writer, ok := m.tokens[tokenHash]
	if !ok {
		return store.Writer{}, errors.New("token not found or expired")
	}
	return writer, nil
}

func (m *memSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenHash)
	return nil
}

// fakeHistory records manuscript snapshots without touching disk.
type fakeHistory struct {
	mu          sync.Mutex
	repos       map[string]bool
	commits     map[string][]store.CommitInfo
	manuscripts map[string]history.Manuscript
	tags        map[string][]string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		repos:       make(map[string]bool),
		commits:     make(map[string][]store.CommitInfo),
		manuscripts: make(map[string]history.Manuscript),
		tags:        make(map[string][]string),
	}
}

func (f *fakeHistory) EnsureStoryRepo(storyID string, initial history.Manuscript, author string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[storyID] = true
	return nil
}

func (f *fakeHistory) CommitSnapshot(storyID string, manuscript history.Manuscript, author, message string) (store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := store.CommitInfo{
		Hash:      fmt.Sprintf("abc%04d", len(f.commits[storyID])+1),
		Message:   message,
		Author:    author,
		CreatedAt: time.Now(),
	}
	f.commits[storyID] = append(f.commits[storyID], info)
	f.manuscripts[storyID+"/"+info.Hash] = manuscript
	return info, nil
}

func (f *fakeHistory) History(storyID string, limit int) ([]store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.CommitInfo(nil), f.commits[storyID]...), nil
}

func (f *fakeHistory) GetManuscriptByHash(storyID, hash string) (history.Manuscript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	manuscript, ok := f.manuscripts[storyID+"/"+hash]
	if !ok {
		return history.Manuscript{}, fmt.Errorf("no commit %s", hash)
	}
	return manuscript, nil
}

func (f *fakeHistory) TagPublish(storyID, hash, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[storyID] = append(f.tags[storyID], name)
	return nil
}

// memProgress is an in-memory progressStore.
type memProgress struct {
	mu   sync.Mutex
	data map[string]story.ReaderProgress
}

func newMemProgress() *memProgress {
	return &memProgress{data: make(map[string]story.ReaderProgress)}
}

func (m *memProgress) Get(ctx context.Context, readerID, publishedID string) (story.ReaderProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	progress, ok := m.data[readerID+":"+publishedID]
	if !ok {
		return story.NewReaderProgress(), nil
	}
	return progress, nil
}

func (m *memProgress) Save(ctx context.Context, readerID, publishedID string, progress story.ReaderProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[readerID+":"+publishedID] = progress
	return nil
}

// fakeSearch records index mutations.
type fakeSearch struct {
	mu      sync.Mutex
	indexed []string
	deleted []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}}
}

func (f *fakeSearch) IndexStory(record search.StoryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record.ID)
}

func (f *fakeSearch) DeleteStory(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type fakeExporter struct {
	exportFn func(ctx context.Context, req export.Request, authorName string) (*export.Result, error)
}

func (f *fakeExporter) Export(ctx context.Context, req export.Request, authorName string) (*export.Result, error) {
	if f.exportFn != nil {
		return f.exportFn(ctx, req, authorName)
	}
	return &export.Result{Data: []byte("ok"), Filename: "story.pdf", MimeType: "application/pdf"}, nil
}

// memWriters is an in-memory authpw.WriterStore.
type memWriters struct {
	mu     sync.Mutex
	byID   map[string]store.Writer
	resets map[string]string
}

func newMemWriters() *memWriters {
	return &memWriters{
		byID:   make(map[string]store.Writer),
		resets: make(map[string]string),
	}
}

func (m *memWriters) GetWriterByEmail(ctx context.Context, emailAddr string) (store.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, writer := range m.byID {
		if writer.Email == emailAddr {
			return writer, nil
		}
	}
	return store.Writer{}, sql.ErrNoRows
}

func (m *memWriters) GetWriterByID(ctx context.Context, id string) (store.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	writer, ok := m.byID[id]
	if !ok {
		return store.Writer{}, sql.ErrNoRows
	}
	return writer, nil
}

func (m *memWriters) CreateWriter(ctx context.Context, writer store.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[writer.ID] = writer
	return nil
}

func (m *memWriters) UpdateWriterVerificationToken(ctx context.Context, writerID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	writer, ok := m.byID[writerID]
	if !ok {
		return sql.ErrNoRows
	}
	writer.VerificationToken = token
	m.byID[writerID] = writer
	return nil
}

func (m *memWriters) VerifyWriterEmail(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, writer := range m.byID {
		if writer.VerificationToken == token && token != "" {
			writer.IsEmailVerified = true
			writer.VerificationToken = ""
			m.byID[id] = writer
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memWriters) UpdateWriterPassword(ctx context.Context, writerID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	writer, ok := m.byID[writerID]
	if !ok {
		return sql.ErrNoRows
	}
	writer.PasswordHash = passwordHash
	m.byID[writerID] = writer
	return nil
}

func (m *memWriters) CreatePasswordReset(ctx context.Context, writerID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets[token] = writerID
	return nil
}

func (m *memWriters) GetPasswordReset(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	writerID, ok := m.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return writerID, nil
}

func (m *memWriters) MarkPasswordResetUsed(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resets, token)
	return nil
}

type fixtures struct {
	library  *library.Service
	catalog  *memCatalog
	sessions *memSessions
	history  *fakeHistory
	progress *memProgress
	search   *fakeSearch
	exporter *fakeExporter
	writers  *memWriters
	hub      *collab.Hub
}

func newTestService(t *testing.T) (*Service, *fixtures) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fx := &fixtures{
		library:  library.NewService(newMemLibraryStore()),
		catalog:  newMemCatalog(),
		sessions: newMemSessions(),
		history:  newFakeHistory(),
		progress: newMemProgress(),
		search:   &fakeSearch{},
		exporter: &fakeExporter{},
		writers:  newMemWriters(),
	}

	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  time.Hour,
		AppBaseURL:  "http://localhost:5173",
	}

	feed := collab.NewRedisFeed(client)
	collabSvc := collab.NewService(collab.NewRedisStoreWithClient(client), feed)
	fx.hub = collab.NewHub(collabSvc, feed)
	svc := New(
		cfg,
		fx.library,
		fx.catalog,
		fx.sessions,
		fx.history,
		fx.progress,
		fx.search,
		fx.exporter,
		collabSvc,
		authpw.NewService(fx.writers),
		email.NewService(email.Config{}),
	)
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc, fx
}

func signUpAndIn(t *testing.T, svc *Service, emailAddr, penName string) Session {
	t.Helper()
	ctx := context.Background()

	payload, err := svc.SignUp(ctx, SignUpInput{Email: emailAddr, Password: "hunter2hunter2", PenName: penName})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	token, _ := payload["devVerificationToken"].(string)
	if token == "" {
		t.Fatalf("expected dev verification token without SMTP")
	}
	if err := svc.VerifyEmail(ctx, token); err != nil {
		t.Fatalf("verify email: %v", err)
	}

	session, err := svc.SignIn(ctx, SignInInput{Email: emailAddr, Password: "hunter2hunter2"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	return session
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session := signUpAndIn(t, svc, "ava@example.com", "Ava")
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("expected tokens, got %+v", session)
	}
	if session.PenName != "Ava" {
		t.Fatalf("pen name = %q", session.PenName)
	}

	parsed, err := svc.SessionFromToken(session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if parsed.WriterID != session.WriterID {
		t.Fatalf("writer id mismatch: %q vs %q", parsed.WriterID, session.WriterID)
	}

	// Sign in before verification is rejected.
	if _, err := svc.SignUp(ctx, SignUpInput{Email: "bo@example.com", Password: "hunter2hunter2", PenName: "Bo"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	_, err = svc.SignIn(ctx, SignInInput{Email: "bo@example.com", Password: "hunter2hunter2"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "EMAIL_NOT_VERIFIED" {
		t.Fatalf("expected EMAIL_NOT_VERIFIED, got %v", err)
	}
}

func TestRefreshRotatesAndLogoutRevokes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session := signUpAndIn(t, svc, "ava@example.com", "Ava")

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatalf("old refresh token should be revoked")
	}

	if err := svc.Logout(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Refresh(ctx, rotated.RefreshToken); err == nil {
		t.Fatalf("refresh after logout should fail")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	signUpAndIn(t, svc, "ava@example.com", "Ava")

	payload, err := svc.RequestPasswordReset(ctx, "ava@example.com")
	if err != nil {
		t.Fatalf("request reset: %v", err)
	}
	token, _ := payload["devResetToken"].(string)
	if token == "" {
		t.Fatalf("expected dev reset token without SMTP")
	}

	if err := svc.ResetPassword(ctx, token, "newpassword99"); err != nil {
		t.Fatalf("reset password: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInInput{Email: "ava@example.com", Password: "hunter2hunter2"}); err == nil {
		t.Fatalf("old password should be rejected")
	}
	if _, err := svc.SignIn(ctx, SignInInput{Email: "ava@example.com", Password: "newpassword99"}); err != nil {
		t.Fatalf("new password sign in: %v", err)
	}

	// Unknown email does not leak existence.
	payload, err = svc.RequestPasswordReset(ctx, "ghost@example.com")
	if err != nil {
		t.Fatalf("request reset for unknown email: %v", err)
	}
	if _, ok := payload["devResetToken"]; ok {
		t.Fatalf("unknown email should not yield a reset token")
	}
}

func buildStory(t *testing.T, svc *Service, session Session) story.Story {
	t.Helper()
	ctx := context.Background()

	st, err := svc.CreateStory(ctx, session, CreateStoryInput{Title: "Emberfall", Genre: "Fantasy"})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	st, err = svc.AddChapter(ctx, session, st.ID, ChapterInput{Title: "The Ashen Gate"})
	if err != nil {
		t.Fatalf("add chapter: %v", err)
	}
	st, err = svc.AddChapter(ctx, session, st.ID, ChapterInput{Title: "Cinders"})
	if err != nil {
		t.Fatalf("add chapter: %v", err)
	}
	st, err = svc.AddCharacter(ctx, session, st.ID, CharacterInput{
		Name:      "Kael",
		Role:      "Protagonist",
		Archetype: "Mage",
		Affinity:  "Fire",
		Grade:     "Beginner",
		Level:     1,
	})
	if err != nil {
		t.Fatalf("add character: %v", err)
	}
	return st
}

func TestChapterGatingFlow(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")
	st := buildStory(t, svc, session)

	ch1, ch2 := st.Chapters[0].ID, st.Chapters[1].ID

	board, err := svc.StoryBoard(ctx, session.WriterID, st.ID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if board[0].State != story.StateAwaitingDecisions {
		t.Fatalf("chapter 1 state = %s, want awaiting_decisions", board[0].State)
	}
	if board[1].State != story.StateLocked {
		t.Fatalf("chapter 2 state = %s, want locked", board[1].State)
	}

	// Writing a gated chapter is rejected.
	_, err = svc.UpdateChapterContent(ctx, session, st.ID, ch1, ChapterContentInput{Content: "too soon"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CHAPTER_LOCKED" {
		t.Fatalf("expected CHAPTER_LOCKED, got %v", err)
	}

	characterID := st.Characters[0].ID
	if _, err := svc.SetOverride(ctx, session, st.ID, characterID, ch1, OverrideInput{Changed: false}); err != nil {
		t.Fatalf("set override: %v", err)
	}

	st, err = svc.UpdateChapterContent(ctx, session, st.ID, ch1, ChapterContentInput{Content: "The gate opened at dawn."})
	if err != nil {
		t.Fatalf("update content after decision: %v", err)
	}
	if st.Chapters[0].Content == "" {
		t.Fatalf("content was not saved")
	}

	// Chapter 2 stays locked until chapter 1 is complete.
	_, err = svc.SetChapterCompleted(ctx, session, st.ID, ch2, ChapterCompleteInput{Completed: true})
	if !errors.As(err, &domainErr) || domainErr.Code != "CHAPTER_LOCKED" {
		t.Fatalf("expected CHAPTER_LOCKED for chapter 2, got %v", err)
	}
	if _, err := svc.SetChapterCompleted(ctx, session, st.ID, ch1, ChapterCompleteInput{Completed: true}); err != nil {
		t.Fatalf("complete chapter 1: %v", err)
	}

	board, err = svc.StoryBoard(ctx, session.WriterID, st.ID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if board[0].State != story.StateComplete {
		t.Fatalf("chapter 1 state = %s, want complete", board[0].State)
	}
	if board[1].State != story.StateAwaitingDecisions {
		t.Fatalf("chapter 2 state = %s, want awaiting_decisions", board[1].State)
	}

	// Edits settle into one debounced history snapshot.
	time.Sleep(1200 * time.Millisecond)
	commits, _ := fx.history.History(st.ID, 10)
	if len(commits) != 1 {
		t.Fatalf("expected one autosave commit, got %d", len(commits))
	}
	if commits[0].Message != "Autosave" {
		t.Fatalf("commit message = %q", commits[0].Message)
	}
}

func TestChapterPartsFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")
	st := buildStory(t, svc, session)

	ch1, ch2 := st.Chapters[0].ID, st.Chapters[1].ID

	// Parts obey the same gate as content edits.
	_, err := svc.AddChapterPart(ctx, session, st.ID, ch2, PartInput{Title: "Too Early", Content: "nope"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CHAPTER_LOCKED" {
		t.Fatalf("expected CHAPTER_LOCKED for locked chapter, got %v", err)
	}

	if _, err := svc.SetOverride(ctx, session, st.ID, st.Characters[0].ID, ch1, OverrideInput{Changed: false}); err != nil {
		t.Fatalf("set override: %v", err)
	}

	_, err = svc.AddChapterPart(ctx, session, st.ID, ch1, PartInput{Title: "  "})
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for blank title, got %v", err)
	}

	st, err = svc.AddChapterPart(ctx, session, st.ID, ch1, PartInput{Title: "Opening", Content: "The gate waited."})
	if err != nil {
		t.Fatalf("add part: %v", err)
	}
	st, err = svc.AddChapterPart(ctx, session, st.ID, ch1, PartInput{Title: "The Crossing", Content: "Kael stepped through."})
	if err != nil {
		t.Fatalf("add part: %v", err)
	}
	if len(st.Chapters[0].Parts) != 2 {
		t.Fatalf("part count = %d, want 2", len(st.Chapters[0].Parts))
	}

	partID := st.Chapters[0].Parts[1].ID
	st, err = svc.UpdateChapterPart(ctx, session, st.ID, ch1, partID, PartInput{Title: "The Crossing", Content: "Kael stepped through alone."})
	if err != nil {
		t.Fatalf("update part: %v", err)
	}
	if got := st.Chapters[0].Parts[1].Content; got != "Kael stepped through alone." {
		t.Fatalf("part content = %q", got)
	}

	_, err = svc.UpdateChapterPart(ctx, session, st.ID, ch1, "part_missing", PartInput{Title: "x", Content: "y"})
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for unknown part, got %v", err)
	}

	// The board counts words across parts.
	board, err := svc.StoryBoard(ctx, session.WriterID, st.ID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if board[0].WordCount != 7 {
		t.Fatalf("board word count = %d, want 7", board[0].WordCount)
	}

	st, err = svc.DeleteChapterPart(ctx, session, st.ID, ch1, partID)
	if err != nil {
		t.Fatalf("delete part: %v", err)
	}
	if len(st.Chapters[0].Parts) != 1 {
		t.Fatalf("part count after delete = %d, want 1", len(st.Chapters[0].Parts))
	}
}

func TestFreeformStoriesBypassGating(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")

	st, err := svc.CreateStory(ctx, session, CreateStoryInput{Title: "Notes", Structure: "freeform"})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	st, err = svc.AddChapter(ctx, session, st.ID, ChapterInput{Title: "One"})
	if err != nil {
		t.Fatalf("add chapter: %v", err)
	}
	if _, err := svc.UpdateChapterContent(ctx, session, st.ID, st.Chapters[0].ID, ChapterContentInput{Content: "free writing"}); err != nil {
		t.Fatalf("freeform chapter should be writable: %v", err)
	}
}

func TestCharacterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")
	st, err := svc.CreateStory(ctx, session, CreateStoryInput{Title: "Emberfall"})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}

	cases := []struct {
		name  string
		input CharacterInput
	}{
		{"missing name", CharacterInput{Role: "Protagonist", Archetype: "Mage", Grade: "Beginner"}},
		{"bad role", CharacterInput{Name: "Kael", Role: "Janitor", Archetype: "Mage", Grade: "Beginner"}},
		{"bad archetype", CharacterInput{Name: "Kael", Role: "Protagonist", Archetype: "Barista", Grade: "Beginner"}},
		{"bad grade", CharacterInput{Name: "Kael", Role: "Protagonist", Archetype: "Mage", Grade: "SSS"}},
		{"bad affinity", CharacterInput{Name: "Kael", Role: "Protagonist", Archetype: "Mage", Grade: "Beginner", Affinity: "Plasma"}},
		{"bad skill kind", CharacterInput{Name: "Kael", Role: "Protagonist", Archetype: "Mage", Grade: "Beginner", Skills: []story.Skill{{Name: "Jab", Kind: "Poke"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AddCharacter(ctx, session, st.ID, tc.input)
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestOverrideDerivesStats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")
	st := buildStory(t, svc, session)

	ch1 := st.Chapters[0].ID
	characterID := st.Characters[0].ID

	if _, err := svc.SetOverride(ctx, session, st.ID, characterID, ch1, OverrideInput{
		Changed: true,
		Level:   45,
		Grade:   "Elite",
	}); err != nil {
		t.Fatalf("set override: %v", err)
	}

	snapshots, err := svc.ChapterCharacters(ctx, session.WriterID, st.ID, ch1)
	if err != nil {
		t.Fatalf("chapter characters: %v", err)
	}
	snap := snapshots[0]
	if snap.Level != 45 || snap.Grade != "Elite" || !snap.Changed {
		t.Fatalf("snapshot = %+v", snap)
	}
	want := stats.Derive(45)
	if snap.Stats != want {
		t.Fatalf("stats = %+v, want %+v", snap.Stats, want)
	}
	if snap.Tier != "The High Master" {
		t.Fatalf("tier = %q", snap.Tier)
	}

	// Clearing the decision re-locks the chapter for writing.
	if _, err := svc.ClearOverride(ctx, session, st.ID, characterID, ch1); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	board, err := svc.StoryBoard(ctx, session.WriterID, st.ID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if board[0].State != story.StateAwaitingDecisions {
		t.Fatalf("state after clear = %s", board[0].State)
	}
}

func TestPublishUpsert(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")
	st := buildStory(t, svc, session)

	payload, err := svc.PublishStory(ctx, session, st.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	remoteID, _ := payload["remoteId"].(string)
	if remoteID == "" {
		t.Fatalf("expected remote id, got %v", payload)
	}
	firstPublishedAt := payload["publishedAt"].(time.Time)

	// Republishing updates the same catalog entry.
	payload, err = svc.PublishStory(ctx, session, st.ID)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if payload["remoteId"] != remoteID {
		t.Fatalf("republish changed remote id: %v vs %v", payload["remoteId"], remoteID)
	}
	if !payload["publishedAt"].(time.Time).Equal(firstPublishedAt) {
		t.Fatalf("republish changed publishedAt")
	}
	if len(fx.catalog.entries) != 1 {
		t.Fatalf("catalog entries = %d, want 1", len(fx.catalog.entries))
	}

	// A story that lost its remote link is re-matched by title.
	if _, err := fx.library.PatchStory(ctx, session.WriterID, st.ID, func(st *story.Story) error {
		st.RemoteID = ""
		st.PublishedAt = nil
		return nil
	}); err != nil {
		t.Fatalf("strip remote id: %v", err)
	}
	payload, err = svc.PublishStory(ctx, session, st.ID)
	if err != nil {
		t.Fatalf("publish after losing link: %v", err)
	}
	if payload["remoteId"] != remoteID {
		t.Fatalf("title probe should adopt the existing entry, got %v", payload["remoteId"])
	}
	if len(fx.catalog.entries) != 1 {
		t.Fatalf("catalog entries = %d, want 1", len(fx.catalog.entries))
	}

	fx.search.mu.Lock()
	indexed := len(fx.search.indexed)
	fx.search.mu.Unlock()
	if indexed != 3 {
		t.Fatalf("expected 3 index calls, got %d", indexed)
	}
	fx.history.mu.Lock()
	tags := len(fx.history.tags[st.ID])
	fx.history.mu.Unlock()
	if tags == 0 {
		t.Fatalf("expected publish tags")
	}
}

func TestPublishRequiresChapters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")

	st, err := svc.CreateStory(ctx, session, CreateStoryInput{Title: "Empty"})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	_, err = svc.PublishStory(ctx, session, st.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestUnpublishRemovesCatalogEntry(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")
	st := buildStory(t, svc, session)

	payload, err := svc.PublishStory(ctx, session, st.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	remoteID := payload["remoteId"].(string)

	if err := svc.UnpublishStory(ctx, session, st.ID); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if len(fx.catalog.entries) != 0 {
		t.Fatalf("catalog entry was not removed")
	}
	fx.search.mu.Lock()
	deleted := append([]string(nil), fx.search.deleted...)
	fx.search.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != remoteID {
		t.Fatalf("search delete calls = %v", deleted)
	}

	// Unpublishing twice reports the story as not published.
	err = svc.UnpublishStory(ctx, session, st.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_PUBLISHED" {
		t.Fatalf("expected NOT_PUBLISHED, got %v", err)
	}
}

func TestReaderProgress(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	writer := signUpAndIn(t, svc, "ava@example.com", "Ava")
	st := buildStory(t, svc, writer)

	payload, err := svc.PublishStory(ctx, writer, st.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	publishedID := payload["remoteId"].(string)

	reader := signUpAndIn(t, svc, "theo@example.com", "Theo")

	view, err := svc.ReaderProgressFor(ctx, reader.WriterID, publishedID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	unlocked := view["unlocked"].([]int)
	if len(unlocked) != 1 || unlocked[0] != 0 {
		t.Fatalf("fresh progress = %v", unlocked)
	}

	// Completing a locked chapter is rejected.
	_, err = svc.CompleteReaderChapter(ctx, reader.WriterID, publishedID, ProgressInput{ChapterIndex: 1})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CHAPTER_LOCKED" {
		t.Fatalf("expected CHAPTER_LOCKED, got %v", err)
	}

	view, err = svc.CompleteReaderChapter(ctx, reader.WriterID, publishedID, ProgressInput{ChapterIndex: 0})
	if err != nil {
		t.Fatalf("complete chapter 0: %v", err)
	}
	unlocked = view["unlocked"].([]int)
	if len(unlocked) != 2 || unlocked[1] != 1 {
		t.Fatalf("progress after completion = %v", unlocked)
	}

	// Finishing the last chapter records the one-past-the-end marker.
	view, err = svc.CompleteReaderChapter(ctx, reader.WriterID, publishedID, ProgressInput{ChapterIndex: 1})
	if err != nil {
		t.Fatalf("complete chapter 1: %v", err)
	}
	unlocked = view["unlocked"].([]int)
	if len(unlocked) != 3 || unlocked[2] != 2 {
		t.Fatalf("progress after finishing = %v", unlocked)
	}

	_, err = svc.CompleteReaderChapter(ctx, reader.WriterID, publishedID, ProgressInput{ChapterIndex: 7})
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for out of range index, got %v", err)
	}
}

func TestCollabLifecycleThroughService(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	owner := signUpAndIn(t, svc, "ava@example.com", "Ava")
	guest := signUpAndIn(t, svc, "theo@example.com", "Theo")
	st := buildStory(t, svc, owner)

	// Drafts cannot be shared until they are published.
	_, err := svc.StartCollabSession(ctx, owner, st.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_PUBLISHED" {
		t.Fatalf("expected NOT_PUBLISHED for draft, got %v", err)
	}
	if _, err := svc.PublishStory(ctx, owner, st.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sess, err := svc.StartCollabSession(ctx, owner, st.ID)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if len(sess.Chapters) != len(st.Chapters) {
		t.Fatalf("session chapters = %d, want %d", len(sess.Chapters), len(st.Chapters))
	}

	joined, err := svc.JoinCollabSession(ctx, guest, sess.Code)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, ok := joined.Members[guest.WriterID]; !ok {
		t.Fatalf("guest not a member")
	}

	part := sess.Chapters[0].Parts[0]
	updated, err := svc.SaveCollabPart(ctx, guest, sess.ID, sess.Chapters[0].ID, part.ID, "Our opening line.")
	if err != nil {
		t.Fatalf("save part: %v", err)
	}
	if updated.Chapters[0].Parts[0].Content != "Our opening line." {
		t.Fatalf("part content not saved")
	}

	if _, err := svc.PostCollabChat(ctx, guest, sess.ID, "hello!"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := svc.PostCollabChat(ctx, guest, sess.ID, "  "); err == nil {
		t.Fatalf("blank chat should be rejected")
	}

	if err := svc.EndCollabSession(ctx, guest, sess.ID); !errors.Is(err, collab.ErrForbidden) {
		t.Fatalf("guest ending session should be forbidden, got %v", err)
	}
	if err := svc.EndCollabSession(ctx, owner, sess.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}
}

func TestExportStoryPassesAuthor(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")
	st := buildStory(t, svc, session)

	var gotAuthor string
	var gotReq export.Request
	fx.exporter.exportFn = func(ctx context.Context, req export.Request, authorName string) (*export.Result, error) {
		gotAuthor = authorName
		gotReq = req
		return &export.Result{Data: []byte("pdf"), Filename: "emberfall.pdf", MimeType: "application/pdf"}, nil
	}

	result, err := svc.ExportStory(ctx, session, st.ID, export.FormatPDF, true)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.Filename != "emberfall.pdf" {
		t.Fatalf("filename = %q", result.Filename)
	}
	if gotAuthor != "Ava" {
		t.Fatalf("author = %q", gotAuthor)
	}
	if gotReq.StoryID != st.ID || !gotReq.IncludeCharacters {
		t.Fatalf("request = %+v", gotReq)
	}
}

func TestRestoreSnapshotRewindsStory(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()
	session := signUpAndIn(t, svc, "ava@example.com", "Ava")
	st := buildStory(t, svc, session)

	// Publishing records a commit of the current manuscript.
	if _, err := svc.PublishStory(ctx, session, st.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var hash string
	commits, _ := fx.history.History(st.ID, 50)
	for _, commit := range commits {
		if commit.Message == "Publish" {
			hash = commit.Hash
		}
	}
	if hash == "" {
		t.Fatalf("expected a publish commit")
	}

	if _, err := svc.UpdateStory(ctx, session, st.ID, UpdateStoryInput{Title: "Renamed"}); err != nil {
		t.Fatalf("rename: %v", err)
	}

	restored, err := svc.RestoreSnapshot(ctx, session, st.ID, hash)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Title != "Emberfall" {
		t.Fatalf("restored title = %q", restored.Title)
	}
	if len(restored.Chapters) != len(st.Chapters) {
		t.Fatalf("restored chapters = %d, want %d", len(restored.Chapters), len(st.Chapters))
	}

	var restoreCommitted bool
	commits, _ = fx.history.History(st.ID, 50)
	for _, commit := range commits {
		if strings.HasPrefix(commit.Message, "Restore ") {
			restoreCommitted = true
		}
	}
	if !restoreCommitted {
		t.Fatalf("expected a restore commit")
	}

	if _, err := svc.RestoreSnapshot(ctx, session, st.ID, "missing"); err == nil {
		t.Fatalf("expected error for unknown commit")
	}
}
