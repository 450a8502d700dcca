// Package calendar tracks connected scheduling providers for appointment
// fields. Token exchange happens elsewhere; this package only records and
// reads the resulting credentials.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"formcraft/api/internal/store"
	"formcraft/api/internal/util"
)

const (
	ProviderGoogle   = "google"
	ProviderCalendly = "calendly"
)

var (
	ErrUnknownProvider    = errors.New("unknown calendar provider")
	ErrMissingAccessToken = errors.New("access token is required")
)

func KnownProvider(provider string) bool {
	switch provider {
	case ProviderGoogle, ProviderCalendly:
		return true
	}
	return false
}

// Usable reports whether an integration can book appointments at now.
func Usable(item store.CalendarIntegration, now time.Time) bool {
	if !item.IsActive {
		return false
	}
	return item.ExpiresAt == nil || item.ExpiresAt.After(now)
}

type Store interface {
	UpsertCalendarIntegration(ctx context.Context, item store.CalendarIntegration) (store.CalendarIntegration, error)
	ListCalendarIntegrations(ctx context.Context, userID string) ([]store.CalendarIntegration, error)
	DeactivateCalendarIntegration(ctx context.Context, userID, provider string) error
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(st Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: st, now: now}
}

type ConnectRequest struct {
	Provider     string     `json:"provider"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    *time.Time `json:"expiresAt"`
}

// Connect records the credentials delivered by the token exchange. A second
// connect for the same provider replaces the first.
func (s *Service) Connect(ctx context.Context, userID string, req ConnectRequest) (store.CalendarIntegration, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if !KnownProvider(provider) {
		return store.CalendarIntegration{}, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		return store.CalendarIntegration{}, ErrMissingAccessToken
	}
	now := s.now().UTC()
	return s.store.UpsertCalendarIntegration(ctx, store.CalendarIntegration{
		ID:           util.NewID("cal"),
		UserID:       userID,
		Provider:     provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (s *Service) List(ctx context.Context, userID string) ([]store.CalendarIntegration, error) {
	return s.store.ListCalendarIntegrations(ctx, userID)
}

func (s *Service) Disconnect(ctx context.Context, userID, provider string) error {
	return s.store.DeactivateCalendarIntegration(ctx, userID, strings.ToLower(provider))
}

// ActiveProviders returns the set of providers usable right now, in the shape
// form validation expects.
func (s *Service) ActiveProviders(ctx context.Context, userID string) (map[string]bool, error) {
	items, err := s.store.ListCalendarIntegrations(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	active := make(map[string]bool, len(items))
	for _, item := range items {
		if Usable(item, now) {
			active[item.Provider] = true
		}
	}
	return active, nil
}
