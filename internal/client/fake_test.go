package client_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"formcraft/api/internal/client"
	"formcraft/api/internal/plan"
	"formcraft/api/internal/store"
)

var epoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// fakeBackend is an in-memory Backend. Error fields fail the matching call.
type fakeBackend struct {
	mu sync.Mutex

	token   string
	users   map[string]client.User
	forms   []store.Form
	pages   map[int]client.SubmissionPage
	subs    []store.Submission
	sub     client.Subscription
	nextID  int
	listed  int
	deleted []string

	lastPageSize int

	signInErr, refreshErr, signOutErr error
	createErr, updateErr, deleteErr   error
	deleteSubmissionErr               error

	// duringList runs while ListForms is in flight.
	duringList func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		users: map[string]client.User{
			"ada@example.com":   {ID: "usr_ada", Email: "ada@example.com", Plan: "hobby"},
			"grace@example.com": {ID: "usr_grace", Email: "grace@example.com", Plan: "pro"},
		},
		pages: map[int]client.SubmissionPage{},
		sub:   client.Subscription{Plan: plan.TierHobby, Status: "active"},
	}
}

func (f *fakeBackend) SetAccessToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeBackend) accessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeBackend) session(user client.User) client.Session {
	return client.Session{
		AccessToken:  "access-" + user.ID,
		RefreshToken: "refresh-" + user.ID,
		ExpiresAt:    epoch.Add(time.Hour),
		User:         user,
	}
}

func (f *fakeBackend) SignIn(_ context.Context, email, _ string) (client.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signInErr != nil {
		return client.Session{}, f.signInErr
	}
	user, ok := f.users[email]
	if !ok {
		return client.Session{}, &client.APIError{Status: 401, Code: "UNAUTHORIZED", Message: "Invalid credentials"}
	}
	return f.session(user), nil
}

func (f *fakeBackend) Refresh(_ context.Context, refreshToken string) (client.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return client.Session{}, f.refreshErr
	}
	for _, user := range f.users {
		if "refresh-"+user.ID == refreshToken {
			s := f.session(user)
			s.AccessToken += "-rotated"
			return s, nil
		}
	}
	return client.Session{}, &client.APIError{Status: 401, Code: "UNAUTHORIZED"}
}

func (f *fakeBackend) SignOut(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOutErr
}

func (f *fakeBackend) Subscription(context.Context) (client.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub, nil
}

func (f *fakeBackend) ListForms(context.Context) ([]store.Form, error) {
	f.mu.Lock()
	f.listed++
	forms := append([]store.Form(nil), f.forms...)
	hook := f.duringList
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return forms, nil
}

func (f *fakeBackend) CreateForm(_ context.Context, input client.FormInput) (store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return store.Form{}, f.createErr
	}
	f.nextID++
	form := store.Form{
		ID:          fmt.Sprintf("frm_%d", f.nextID),
		Name:        input.Name,
		Fields:      input.Fields,
		ShareHandle: fmt.Sprintf("form-%d", f.nextID),
		CreatedAt:   epoch,
		UpdatedAt:   epoch,
	}
	f.forms = append(f.forms, form)
	return form, nil
}

func (f *fakeBackend) UpdateForm(_ context.Context, id string, input client.FormInput) (store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return store.Form{}, f.updateErr
	}
	for i := range f.forms {
		if f.forms[i].ID == id {
			f.forms[i].Name = input.Name
			f.forms[i].Fields = input.Fields
			return f.forms[i], nil
		}
	}
	return store.Form{}, &client.APIError{Status: 404, Code: "NOT_FOUND"}
}

func (f *fakeBackend) DeleteForm(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i := range f.forms {
		if f.forms[i].ID == id {
			f.forms = append(f.forms[:i], f.forms[i+1:]...)
			f.deleted = append(f.deleted, id)
			return nil
		}
	}
	return &client.APIError{Status: 404, Code: "NOT_FOUND"}
}

func (f *fakeBackend) ListSubmissions(_ context.Context, _ string, page, pageSize int) (client.SubmissionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPageSize = pageSize
	if f.subs == nil {
		return f.pages[page], nil
	}
	start := (page - 1) * pageSize
	if start > len(f.subs) {
		start = len(f.subs)
	}
	end := start + pageSize
	if end > len(f.subs) {
		end = len(f.subs)
	}
	return client.SubmissionPage{
		Submissions: append([]store.Submission(nil), f.subs[start:end]...),
		Page:        page,
		PageSize:    pageSize,
		Total:       len(f.subs),
		HasMore:     end < len(f.subs),
	}, nil
}

func (f *fakeBackend) DeleteSubmission(_ context.Context, _, submissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteSubmissionErr != nil {
		return f.deleteSubmissionErr
	}
	for i := range f.subs {
		if f.subs[i].ID == submissionID {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	return nil
}

func namedForms(names ...string) []store.Form {
	forms := make([]store.Form, 0, len(names))
	for _, name := range names {
		forms = append(forms, store.Form{ID: "frm_" + name, Name: name})
	}
	return forms
}

func formIDs(forms []store.Form) []string {
	ids := make([]string, 0, len(forms))
	for _, form := range forms {
		ids = append(ids, form.ID)
	}
	return ids
}
