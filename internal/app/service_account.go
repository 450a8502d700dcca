package app

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"formcraft/api/internal/calendar"
	"formcraft/api/internal/plan"
	"formcraft/api/internal/search"
	"formcraft/api/internal/store"
	"formcraft/api/internal/util"
)

const maxKnowledgeBaseBytes = 1 << 20

type KnowledgeBaseInput struct {
	Name     string `json:"name"`
	FileName string `json:"fileName"`
	Content  string `json:"content"`
}

func (s *Service) ListKnowledgeBases(ctx context.Context, session Session) ([]store.KnowledgeBase, error) {
	return s.store.ListKnowledgeBases(ctx, session.UserID)
}

// CreateKnowledgeBase stores extracted document text. The upload and text
// extraction happen client side.
func (s *Service) CreateKnowledgeBase(ctx context.Context, session Session, input KnowledgeBaseInput) (store.KnowledgeBase, error) {
	tier, err := s.tierFor(ctx, session.UserID)
	if err != nil {
		return store.KnowledgeBase{}, err
	}
	if err := requireFeature(tier, plan.FeatureKnowledgeBase); err != nil {
		return store.KnowledgeBase{}, err
	}

	content := strings.TrimSpace(input.Content)
	if content == "" {
		return store.KnowledgeBase{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if len(content) > maxKnowledgeBaseBytes {
		return store.KnowledgeBase{}, domainError(http.StatusRequestEntityTooLarge, "KNOWLEDGE_BASE_TOO_LARGE", "knowledge base content exceeds 1 MiB", nil)
	}
	name := firstNonBlank(strings.TrimSpace(input.Name), strings.TrimSpace(input.FileName))
	if name == "" {
		return store.KnowledgeBase{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	kb := store.KnowledgeBase{
		ID:            util.NewID("kb"),
		UserID:        session.UserID,
		Name:          name,
		FileName:      strings.TrimSpace(input.FileName),
		SizeBytes:     int64(len(content)),
		TokenEstimate: estimateTokens(content),
		Content:       content,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.InsertKnowledgeBase(ctx, kb); err != nil {
		return store.KnowledgeBase{}, err
	}
	return kb, nil
}

// estimateTokens uses the usual four characters per token.
func estimateTokens(content string) int {
	n := utf8.RuneCountInString(content)
	return (n + 3) / 4
}

func (s *Service) DeleteKnowledgeBase(ctx context.Context, session Session, id string) error {
	return s.store.DeleteKnowledgeBase(ctx, session.UserID, id)
}

func (s *Service) ListCalendarIntegrations(ctx context.Context, session Session) ([]store.CalendarIntegration, error) {
	items, err := s.calendar.List(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.CalendarIntegration{}
	}
	return items, nil
}

func (s *Service) ConnectCalendar(ctx context.Context, session Session, req calendar.ConnectRequest) (store.CalendarIntegration, error) {
	tier, err := s.tierFor(ctx, session.UserID)
	if err != nil {
		return store.CalendarIntegration{}, err
	}
	if err := requireFeature(tier, plan.FeatureAppointmentFields); err != nil {
		return store.CalendarIntegration{}, err
	}
	return s.calendar.Connect(ctx, session.UserID, req)
}

func (s *Service) DisconnectCalendar(ctx context.Context, session Session, provider string) error {
	return s.calendar.Disconnect(ctx, session.UserID, provider)
}

type SubscriptionView struct {
	Plan             plan.Tier      `json:"plan"`
	Status           string         `json:"status"`
	CurrentPeriodEnd *time.Time     `json:"currentPeriodEnd,omitempty"`
	FormLimit        int            `json:"formLimit"`
	FormCount        int            `json:"formCount"`
	Features         []plan.Feature `json:"features"`
}

func (s *Service) Subscription(ctx context.Context, session Session) (SubscriptionView, error) {
	sub, err := s.store.GetSubscription(ctx, session.UserID)
	if err != nil {
		return SubscriptionView{}, err
	}
	count, err := s.store.CountForms(ctx, session.UserID)
	if err != nil {
		return SubscriptionView{}, err
	}
	tier := plan.Normalize(sub.Plan)
	return SubscriptionView{
		Plan:             tier,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		FormLimit:        plan.FormLimit(tier),
		FormCount:        count,
		Features:         plan.Features(tier),
	}, nil
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) search.Response {
	q.UserID = session.UserID
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" || s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	if q.Limit <= 0 || q.Limit > 50 {
		q.Limit = 20
	}
	return s.search.Search(ctx, q)
}

func searchQuery(text, kind, formID string, limit, offset int) search.Query {
	return search.Query{
		Text:       text,
		FilterType: search.ResultType(kind),
		FormID:     formID,
		Limit:      limit,
		Offset:     offset,
	}
}
