package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"formcraft/api/internal/auth"
	"formcraft/api/internal/authpw"
	"formcraft/api/internal/calendar"
	"formcraft/api/internal/chat"
	"formcraft/api/internal/config"
	"formcraft/api/internal/email"
	"formcraft/api/internal/export"
	"formcraft/api/internal/gemini"
	"formcraft/api/internal/revisions"
	"formcraft/api/internal/search"
	"formcraft/api/internal/store"
	"formcraft/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	DisplayName  string
	Plan         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	authpw.UserStore
	chat.Store
	calendar.Store
	sessionStore

	GetSubscription(context.Context, string) (store.Subscription, error)

	ListForms(context.Context, string) ([]store.Form, error)
	CountForms(context.Context, string) (int, error)
	GetForm(context.Context, string) (store.Form, error)
	GetFormByShareHandle(context.Context, string) (store.Form, error)
	InsertForm(context.Context, store.Form) error
	UpdateForm(context.Context, store.Form) (store.Form, error)
	DeleteForm(context.Context, string) error

	InsertSubmission(context.Context, store.Submission) (store.Submission, error)
	ListSubmissions(context.Context, string, int, int) ([]store.Submission, error)
	ListAllSubmissions(context.Context, string) ([]store.Submission, error)
	CountSubmissions(context.Context, string) (int, error)
	DeleteSubmission(context.Context, string, string) error

	CloseChatSession(context.Context, string) error

	ListKnowledgeBases(context.Context, string) ([]store.KnowledgeBase, error)
	InsertKnowledgeBase(context.Context, store.KnowledgeBase) error
	DeleteKnowledgeBase(context.Context, string, string) error

	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions and revoked access tokens. Postgres
// implements it; Redis replaces it when configured.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexForm(store.Form)
	IndexSubmission(store.Form, store.Submission)
	DeleteForm(string, []string)
	DeleteSubmission(string)
}

type revisionLog interface {
	Commit(string, revisions.Snapshot, string, string) (store.RevisionInfo, error)
	History(string, int) ([]store.RevisionInfo, error)
	Get(string, string) (revisions.Snapshot, store.RevisionInfo, error)
	Remove(string) error
}

type exportStorage interface {
	Upload(ctx context.Context, userID, filename, contentType string, data []byte) (string, error)
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
	SendSubmissionNotification(to string, data email.SubmissionData) error
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   sessionStore
	auth       *authpw.Service
	chat       *chat.Service
	calendar   *calendar.Service
	exporter   *export.Service
	search     searchIndex
	revisions  revisionLog
	objects    exportStorage
	mail       mailer
	completer  chat.Completer
	pdf        export.PDFRenderer
	now        func() time.Time
	background func(func())
}

type Option func(*Service)

func WithSessionStore(sessions sessionStore) Option {
	return func(s *Service) { s.sessions = sessions }
}

func WithRevisions(revs *revisions.Service) Option {
	return func(s *Service) {
		if revs != nil {
			s.revisions = revs
		}
	}
}

func WithSearch(svc *search.Service) Option {
	return func(s *Service) {
		if svc != nil {
			s.search = svc
		}
	}
}

func WithMailer(m *email.Service) Option {
	return func(s *Service) {
		if m != nil {
			s.mail = m
		}
	}
}

func WithExportStorage(objects exportStorage) Option {
	return func(s *Service) { s.objects = objects }
}

func WithCompleter(c chat.Completer) Option {
	return func(s *Service) { s.completer = c }
}

func WithPDFRenderer(r export.PDFRenderer) Option {
	return func(s *Service) { s.pdf = r }
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts ...Option) *Service {
	return newService(cfg, dataStore, opts...)
}

func newService(cfg config.Config, ds dataStore, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		store:      ds,
		sessions:   ds,
		now:        time.Now,
		background: func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.completer == nil {
		s.completer = unconfiguredCompleter{}
	}
	s.auth = authpw.NewService(ds)
	s.chat = chat.NewService(ds, s.completer, nil)
	s.calendar = calendar.NewService(ds, func() time.Time { return s.now() })
	s.exporter = export.NewService(s.pdf)
	return s
}

type unconfiguredCompleter struct{}

func (unconfiguredCompleter) Complete(context.Context, gemini.Request) (string, error) {
	return "", gemini.ErrNotConfigured
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// =============================================================================
// Accounts and sessions
// =============================================================================

type SignUpResult struct {
	UserID               string `json:"userId"`
	Email                string `json:"email"`
	RequiresVerification bool   `json:"requiresVerification"`
	DevVerificationToken string `json:"devVerificationToken,omitempty"`
}

func (s *Service) SignUp(ctx context.Context, emailAddr, password, displayName string) (SignUpResult, error) {
	resp, err := s.auth.SignUp(ctx, authpw.SignUpRequest{Email: emailAddr, Password: password, DisplayName: displayName})
	if err != nil {
		return SignUpResult{}, err
	}
	result := SignUpResult{UserID: resp.User.ID, Email: resp.User.Email, RequiresVerification: true}

	if !s.SMTPConfigured() {
		result.DevVerificationToken = resp.VerificationToken
		return result, nil
	}
	link := s.publicURL("/verify-email", resp.VerificationToken)
	user := resp.User
	s.background(func() {
		if err := s.mail.SendVerificationEmail(user.Email, user.DisplayName, link); err != nil {
			log.Printf("email: verification for %s: %v", user.ID, err)
		}
	})
	return result, nil
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.auth.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.auth.VerifyEmail(ctx, token)
}

// RequestPasswordReset returns the reset token only when mail delivery is
// off, so local setups can finish the flow.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	token, user, err := s.auth.RequestPasswordReset(ctx, emailAddr)
	if err != nil || token == "" {
		return "", err
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	link := s.publicURL("/reset-password", token)
	s.background(func() {
		if err := s.mail.SendPasswordResetEmail(user.Email, user.DisplayName, link); err != nil {
			log.Printf("email: password reset for %s: %v", user.ID, err)
		}
	})
	return "", nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.auth.ResetPassword(ctx, token, newPassword)
}

func (s *Service) publicURL(path, token string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	return base + path + "?token=" + url.QueryEscape(token)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	owner, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, owner.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	claims := auth.NewClaims(user.ID, user.Email, user.Plan, now, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		Plan:         user.Plan,
		JTI:          claims.JTI,
		ExpiresAt:    claims.ExpiresAt(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrRevokedToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if isNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Plan:        user.Plan,
		JTI:         claims.JTI,
		ExpiresAt:   claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	var errs []error
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			errs = append(errs, fmt.Errorf("revoke access token: %w", err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			errs = append(errs, fmt.Errorf("revoke refresh session: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("session: logout for %s: %v", session.UserID, err)
	}
	return nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
