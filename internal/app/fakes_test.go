package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"formcraft/api/internal/authpw"
	"formcraft/api/internal/config"
	"formcraft/api/internal/revisions"
	"formcraft/api/internal/search"
	"formcraft/api/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// fakeStore keeps everything in maps. The *Fn hooks override single calls.
type fakeStore struct {
	mu            sync.Mutex
	users         map[string]store.User
	subscriptions map[string]store.Subscription
	forms         map[string]store.Form
	submissions   map[string][]store.Submission
	chatSessions  map[string]store.ChatSession
	chatMessages  map[string][]store.ChatMessage
	kbs           map[string]store.KnowledgeBase
	calendars     map[string]store.CalendarIntegration
	resets        map[string]string
	refresh       map[string]string
	revoked       map[string]bool

	insertFormFn func(context.Context, store.Form) error
	pingFn       func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         map[string]store.User{},
		subscriptions: map[string]store.Subscription{},
		forms:         map[string]store.Form{},
		submissions:   map[string][]store.Submission{},
		chatSessions:  map[string]store.ChatSession{},
		chatMessages:  map[string][]store.ChatMessage{},
		kbs:           map[string]store.KnowledgeBase{},
		calendars:     map[string]store.CalendarIntegration{},
		resets:        map[string]string{},
		refresh:       map[string]string{},
		revoked:       map[string]bool{},
	}
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if user.VerificationToken == token && token != "" {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) GetSubscription(_ context.Context, userID string) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subscriptions[userID]; ok {
		return sub, nil
	}
	return store.Subscription{UserID: userID, Plan: "hobby", Status: "active"}, nil
}

func (f *fakeStore) ListForms(_ context.Context, userID string) ([]store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Form{}
	for _, form := range f.forms {
		if form.UserID == userID {
			out = append(out, form)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) CountForms(ctx context.Context, userID string) (int, error) {
	items, err := f.ListForms(ctx, userID)
	return len(items), err
}

func (f *fakeStore) GetForm(_ context.Context, id string) (store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	form, ok := f.forms[id]
	if !ok {
		return store.Form{}, sql.ErrNoRows
	}
	return form, nil
}

func (f *fakeStore) GetFormByShareHandle(_ context.Context, handle string) (store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, form := range f.forms {
		if form.ShareHandle == handle {
			return form, nil
		}
	}
	return store.Form{}, sql.ErrNoRows
}

func (f *fakeStore) InsertForm(ctx context.Context, form store.Form) error {
	if f.insertFormFn != nil {
		if err := f.insertFormFn(ctx, form); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms[form.ID] = form
	return nil
}

func (f *fakeStore) UpdateForm(_ context.Context, form store.Form) (store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.forms[form.ID]; !ok {
		return store.Form{}, sql.ErrNoRows
	}
	form.UpdatedAt = form.UpdatedAt.Add(time.Second)
	f.forms[form.ID] = form
	return form, nil
}

func (f *fakeStore) DeleteForm(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.forms[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.forms, id)
	delete(f.submissions, id)
	return nil
}

func (f *fakeStore) InsertSubmission(_ context.Context, sub store.Submission) (store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions[sub.FormID] = append(f.submissions[sub.FormID], sub)
	return sub, nil
}

func (f *fakeStore) ListSubmissions(_ context.Context, formID string, limit, offset int) ([]store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.submissions[formID]
	if offset >= len(all) {
		return []store.Submission{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]store.Submission(nil), all[offset:end]...), nil
}

func (f *fakeStore) ListAllSubmissions(_ context.Context, formID string) ([]store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Submission(nil), f.submissions[formID]...), nil
}

func (f *fakeStore) CountSubmissions(_ context.Context, formID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions[formID]), nil
}

func (f *fakeStore) DeleteSubmission(_ context.Context, formID, submissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.submissions[formID]
	for i, sub := range subs {
		if sub.ID == submissionID {
			f.submissions[formID] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) GetChatSession(_ context.Context, id string) (store.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.chatSessions[id]
	if !ok {
		return store.ChatSession{}, sql.ErrNoRows
	}
	return session, nil
}

func (f *fakeStore) InsertChatSession(_ context.Context, session store.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatSessions[session.ID] = session
	return nil
}

func (f *fakeStore) SaveChatTranscript(_ context.Context, id string, conversation, transcript []store.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := f.chatSessions[id]
	session.Context = conversation
	session.Transcript = transcript
	session.MessageCount = len(transcript)
	f.chatSessions[id] = session
	return nil
}

func (f *fakeStore) ListChatMessages(_ context.Context, id string) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ChatMessage(nil), f.chatMessages[id]...), nil
}

func (f *fakeStore) InsertChatMessages(_ context.Context, id string, messages []store.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatMessages[id] = append(f.chatMessages[id], messages...)
	return nil
}

func (f *fakeStore) CloseChatSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.chatSessions[id]
	if !ok {
		return sql.ErrNoRows
	}
	session.IsActive = false
	f.chatSessions[id] = session
	return nil
}

func (f *fakeStore) GetKnowledgeBase(_ context.Context, id string) (store.KnowledgeBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kb, ok := f.kbs[id]
	if !ok {
		return store.KnowledgeBase{}, sql.ErrNoRows
	}
	return kb, nil
}

func (f *fakeStore) ListKnowledgeBases(_ context.Context, userID string) ([]store.KnowledgeBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.KnowledgeBase{}
	for _, kb := range f.kbs {
		if kb.UserID == userID {
			out = append(out, kb)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertKnowledgeBase(_ context.Context, kb store.KnowledgeBase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kbs[kb.ID] = kb
	return nil
}

func (f *fakeStore) DeleteKnowledgeBase(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kb, ok := f.kbs[id]
	if !ok || kb.UserID != userID {
		return sql.ErrNoRows
	}
	delete(f.kbs, id)
	return nil
}

func (f *fakeStore) UpsertCalendarIntegration(_ context.Context, item store.CalendarIntegration) (store.CalendarIntegration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendars[item.UserID+"/"+item.Provider] = item
	return item, nil
}

func (f *fakeStore) ListCalendarIntegrations(_ context.Context, userID string) ([]store.CalendarIntegration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.CalendarIntegration
	for _, item := range f.calendars {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) DeactivateCalendarIntegration(_ context.Context, userID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "/" + provider
	item, ok := f.calendars[key]
	if !ok {
		return sql.ErrNoRows
	}
	item.IsActive = false
	f.calendars[key] = item
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeRevisions struct {
	mu      sync.Mutex
	commits map[string][]revisions.Snapshot
	removed []string
}

func (f *fakeRevisions) Commit(formID string, snapshot revisions.Snapshot, author, message string) (store.RevisionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commits == nil {
		f.commits = map[string][]revisions.Snapshot{}
	}
	f.commits[formID] = append(f.commits[formID], snapshot)
	return store.RevisionInfo{Hash: fmt.Sprintf("%07d", len(f.commits[formID])), Author: author, Message: message}, nil
}

func (f *fakeRevisions) History(formID string, limit int) ([]store.RevisionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.RevisionInfo{}
	for i := len(f.commits[formID]); i > 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, store.RevisionInfo{Hash: fmt.Sprintf("%07d", i)})
	}
	return out, nil
}

func (f *fakeRevisions) Get(formID, hash string) (revisions.Snapshot, store.RevisionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, snapshot := range f.commits[formID] {
		if fmt.Sprintf("%07d", i+1) == hash {
			return snapshot, store.RevisionInfo{Hash: hash}, nil
		}
	}
	return revisions.Snapshot{}, store.RevisionInfo{}, revisions.ErrRevisionNotFound
}

func (f *fakeRevisions) Remove(formID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.commits, formID)
	f.removed = append(f.removed, formID)
	return nil
}

type fakeSearch struct {
	mu                 sync.Mutex
	lastQuery          search.Query
	indexedForms       []string
	indexedSubmissions []string
	deletedForms       []string
	deletedSubmissions []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return search.Response{
		Results: []search.Result{{Type: search.ResultForm, ID: "frm_1", Title: "Match"}},
		Total:   1,
		Query:   q.Text,
	}
}

func (f *fakeSearch) IndexForm(form store.Form) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexedForms = append(f.indexedForms, form.ID)
}

func (f *fakeSearch) IndexSubmission(_ store.Form, sub store.Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexedSubmissions = append(f.indexedSubmissions, sub.ID)
}

func (f *fakeSearch) DeleteForm(id string, submissionIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedForms = append(f.deletedForms, id)
	f.deletedSubmissions = append(f.deletedSubmissions, submissionIDs...)
}

func (f *fakeSearch) DeleteSubmission(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSubmissions = append(f.deletedSubmissions, id)
}

type fakeUploads struct {
	err    error
	keys   []string
	bodies [][]byte
}

func (f *fakeUploads) Upload(_ context.Context, userID, filename, _ string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, userID+"/"+filename)
	f.bodies = append(f.bodies, data)
	return "https://objects.test/" + filename + "?X-Amz-Expires=900", nil
}

var errUploadFailed = errors.New("upload failed")

func testConfig() config.Config {
	return config.Config{
		JWTSecret:          "test-secret",
		AccessTTL:          time.Hour,
		RefreshTTL:         24 * time.Hour,
		PublicBaseURL:      "http://localhost:5173",
		SubmissionPageSize: 50,
	}
}

// newTestService runs background work inline and hashes passwords at the
// minimum bcrypt cost.
func newTestService(fs *fakeStore, opts ...Option) *Service {
	svc := newService(testConfig(), fs, opts...)
	svc.auth = authpw.NewService(fs).WithCost(bcrypt.MinCost)
	svc.background = func(f func()) { f() }
	return svc
}

// seedUser stores a verified account on tier and returns a live session.
func seedUser(t *testing.T, svc *Service, fs *fakeStore, id, tier string) Session {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := store.User{
		ID:              id,
		DisplayName:     "User " + id,
		Email:           id + "@example.com",
		PasswordHash:    string(hash),
		Plan:            tier,
		IsEmailVerified: true,
	}
	fs.users[id] = user
	fs.subscriptions[id] = store.Subscription{UserID: id, Plan: tier, Status: "active"}
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}
	return session
}

func textField(id, label string, required bool) store.Field {
	return store.Field{ID: id, Type: store.FieldText, Label: label, Required: required}
}
