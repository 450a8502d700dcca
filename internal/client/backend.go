package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"formcraft/api/internal/plan"
	"formcraft/api/internal/store"
)

// ErrUnreachable wraps transport failures where no response arrived. The
// slices treat it as going offline.
var ErrUnreachable = errors.New("client: backend unreachable")

// Backend is the remote API the slices write through.
type Backend interface {
	SetAccessToken(token string)

	SignIn(ctx context.Context, email, password string) (Session, error)
	Refresh(ctx context.Context, refreshToken string) (Session, error)
	SignOut(ctx context.Context, refreshToken string) error

	Subscription(ctx context.Context) (Subscription, error)

	ListForms(ctx context.Context) ([]store.Form, error)
	CreateForm(ctx context.Context, input FormInput) (store.Form, error)
	UpdateForm(ctx context.Context, id string, input FormInput) (store.Form, error)
	DeleteForm(ctx context.Context, id string) error

	ListSubmissions(ctx context.Context, formID string, page, pageSize int) (SubmissionPage, error)
	DeleteSubmission(ctx context.Context, formID, submissionID string) error
}

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Plan        string `json:"plan"`
}

type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

type FormInput struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Fields          []store.Field   `json:"fields"`
	IsPublic        bool            `json:"isPublic"`
	KnowledgeBaseID *string         `json:"knowledgeBaseId,omitempty"`
	ChatFlow        json.RawMessage `json:"chatFlow,omitempty"`
}

// InputOf returns the editable part of form.
func InputOf(form store.Form) FormInput {
	return FormInput{
		Name:            form.Name,
		Description:     form.Description,
		Fields:          form.Fields,
		IsPublic:        form.IsPublic,
		KnowledgeBaseID: form.KnowledgeBaseID,
		ChatFlow:        form.ChatFlow,
	}
}

type SubmissionPage struct {
	Submissions []store.Submission `json:"submissions"`
	Page        int                `json:"page"`
	PageSize    int                `json:"pageSize"`
	Total       int                `json:"total"`
	HasMore     bool               `json:"hasMore"`
}

type Subscription struct {
	Plan      plan.Tier      `json:"plan"`
	Status    string         `json:"status"`
	FormLimit int            `json:"formLimit"`
	FormCount int            `json:"formCount"`
	Features  []plan.Feature `json:"features"`
}

// APIError is a non-2xx response carrying the server's error body.
type APIError struct {
	Status  int             `json:"-"`
	Code    string          `json:"code"`
	Message string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// HTTPBackend talks to the formcraft JSON API.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

func NewHTTPBackend(baseURL string, httpClient *http.Client) *HTTPBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBackend{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (b *HTTPBackend) SetAccessToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

func (b *HTTPBackend) accessToken() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

// sessionResponse is the wire format for sign-in and refresh.
type sessionResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	User         User   `json:"user"`
}

func (r sessionResponse) session() Session {
	return Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    time.Unix(r.ExpiresAt, 0).UTC(),
		User:         r.User,
	}
}

func (b *HTTPBackend) SignIn(ctx context.Context, email, password string) (Session, error) {
	var resp sessionResponse
	body := map[string]string{"email": email, "password": password}
	if err := b.doJSON(ctx, http.MethodPost, "/api/auth/signin", body, &resp); err != nil {
		return Session{}, fmt.Errorf("sign in: %w", err)
	}
	return resp.session(), nil
}

func (b *HTTPBackend) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	var resp sessionResponse
	body := map[string]string{"refreshToken": refreshToken}
	if err := b.doJSON(ctx, http.MethodPost, "/api/session/refresh", body, &resp); err != nil {
		return Session{}, fmt.Errorf("refresh: %w", err)
	}
	return resp.session(), nil
}

func (b *HTTPBackend) SignOut(ctx context.Context, refreshToken string) error {
	body := map[string]string{"refreshToken": refreshToken}
	if err := b.doJSON(ctx, http.MethodPost, "/api/session/logout", body, nil); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

func (b *HTTPBackend) Subscription(ctx context.Context) (Subscription, error) {
	var sub Subscription
	if err := b.doJSON(ctx, http.MethodGet, "/api/subscription", nil, &sub); err != nil {
		return Subscription{}, fmt.Errorf("subscription: %w", err)
	}
	return sub, nil
}

func (b *HTTPBackend) ListForms(ctx context.Context) ([]store.Form, error) {
	var resp struct {
		Forms []store.Form `json:"forms"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/api/forms", nil, &resp); err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	return resp.Forms, nil
}

func (b *HTTPBackend) CreateForm(ctx context.Context, input FormInput) (store.Form, error) {
	var form store.Form
	if err := b.doJSON(ctx, http.MethodPost, "/api/forms", input, &form); err != nil {
		return store.Form{}, fmt.Errorf("create form: %w", err)
	}
	return form, nil
}

func (b *HTTPBackend) UpdateForm(ctx context.Context, id string, input FormInput) (store.Form, error) {
	var form store.Form
	if err := b.doJSON(ctx, http.MethodPut, "/api/forms/"+url.PathEscape(id), input, &form); err != nil {
		return store.Form{}, fmt.Errorf("update form: %w", err)
	}
	return form, nil
}

func (b *HTTPBackend) DeleteForm(ctx context.Context, id string) error {
	if err := b.doJSON(ctx, http.MethodDelete, "/api/forms/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	return nil
}

func (b *HTTPBackend) ListSubmissions(ctx context.Context, formID string, page, pageSize int) (SubmissionPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	if pageSize > 0 {
		query.Set("pageSize", strconv.Itoa(pageSize))
	}
	var resp SubmissionPage
	path := "/api/forms/" + url.PathEscape(formID) + "/submissions?" + query.Encode()
	if err := b.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return SubmissionPage{}, fmt.Errorf("list submissions: %w", err)
	}
	return resp, nil
}

func (b *HTTPBackend) DeleteSubmission(ctx context.Context, formID, submissionID string) error {
	path := "/api/forms/" + url.PathEscape(formID) + "/submissions/" + url.PathEscape(submissionID)
	if err := b.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	return nil
}

// doJSON sends body as JSON and decodes a 2xx response into out. Error
// responses come back as *APIError.
func (b *HTTPBackend) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := b.accessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
