package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"formcraft/api/internal/analytics"
	"formcraft/api/internal/chat"
	"formcraft/api/internal/email"
	"formcraft/api/internal/export"
	"formcraft/api/internal/forms"
	"formcraft/api/internal/plan"
	"formcraft/api/internal/revisions"
	"formcraft/api/internal/store"
	"formcraft/api/internal/util"
)

const maxPageSize = 200

type FormInput struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Fields          []store.Field   `json:"fields"`
	IsPublic        bool            `json:"isPublic"`
	KnowledgeBaseID *string         `json:"knowledgeBaseId"`
	ChatFlow        json.RawMessage `json:"chatFlow"`
}

func (s *Service) tierFor(ctx context.Context, userID string) (plan.Tier, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return plan.TierHobby, err
	}
	return plan.Normalize(sub.Plan), nil
}

func requireFeature(tier plan.Tier, feature plan.Feature) error {
	if plan.Can(tier, feature) {
		return nil
	}
	return domainError(http.StatusPaymentRequired, "PLAN_FEATURE_REQUIRED",
		fmt.Sprintf("%s is not included in the %s plan", feature, tier),
		map[string]any{"feature": feature, "plan": tier})
}

// validationContext gathers what form validation needs to know about the
// owner: plan, knowledge base ownership, and usable calendar providers.
func (s *Service) validationContext(ctx context.Context, userID string, tier plan.Tier, form store.Form) (forms.Context, error) {
	vctx := forms.Context{Tier: tier}
	if form.KnowledgeBaseID != nil && *form.KnowledgeBaseID != "" {
		kb, err := s.store.GetKnowledgeBase(ctx, *form.KnowledgeBaseID)
		switch {
		case err == nil && kb.UserID == userID:
			vctx.HasKnowledgeBase = true
		case err != nil && !isNotFound(err):
			return vctx, err
		}
	}
	for _, field := range form.Fields {
		if field.Type == store.FieldAppointment {
			providers, err := s.calendar.ActiveProviders(ctx, userID)
			if err != nil {
				return vctx, err
			}
			vctx.CalendarProviders = providers
			break
		}
	}
	return vctx, nil
}

func (s *Service) ListForms(ctx context.Context, session Session) ([]store.Form, error) {
	return s.store.ListForms(ctx, session.UserID)
}

// ownedForm hides forms of other users behind a plain not-found.
func (s *Service) ownedForm(ctx context.Context, session Session, formID string) (store.Form, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return store.Form{}, err
	}
	if form.UserID != session.UserID {
		return store.Form{}, errNotFound
	}
	return form, nil
}

func (s *Service) GetForm(ctx context.Context, session Session, formID string) (store.Form, error) {
	return s.ownedForm(ctx, session, formID)
}

func applyInput(form store.Form, input FormInput) store.Form {
	form.Name = strings.TrimSpace(input.Name)
	form.Description = strings.TrimSpace(input.Description)
	form.Fields = forms.NormalizeFields(input.Fields)
	form.IsPublic = input.IsPublic
	form.KnowledgeBaseID = input.KnowledgeBaseID
	if form.KnowledgeBaseID != nil && strings.TrimSpace(*form.KnowledgeBaseID) == "" {
		form.KnowledgeBaseID = nil
	}
	form.ChatFlow = input.ChatFlow
	return form
}

func (s *Service) CreateForm(ctx context.Context, session Session, input FormInput) (store.Form, error) {
	tier, err := s.tierFor(ctx, session.UserID)
	if err != nil {
		return store.Form{}, err
	}
	count, err := s.store.CountForms(ctx, session.UserID)
	if err != nil {
		return store.Form{}, err
	}
	if err := plan.CheckFormQuota(tier, count); err != nil {
		return store.Form{}, err
	}

	now := s.now().UTC()
	form := applyInput(store.Form{
		ID:        util.NewID("frm"),
		UserID:    session.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}, input)
	vctx, err := s.validationContext(ctx, session.UserID, tier, form)
	if err != nil {
		return store.Form{}, err
	}
	if err := forms.Validate(form, vctx); err != nil {
		return store.Form{}, err
	}

	// A handle collision retries once with fresh random bytes.
	for attempt := 0; ; attempt++ {
		form.ShareHandle = forms.NewShareHandle(form.Name)
		err = s.store.InsertForm(ctx, form)
		if !errors.Is(err, store.ErrDuplicate) || attempt > 0 {
			break
		}
	}
	if err != nil {
		return store.Form{}, err
	}

	s.recordRevision(form, session, "Create form")
	if s.search != nil {
		s.search.IndexForm(form)
	}
	return form, nil
}

func (s *Service) UpdateForm(ctx context.Context, session Session, formID string, input FormInput) (store.Form, error) {
	existing, err := s.ownedForm(ctx, session, formID)
	if err != nil {
		return store.Form{}, err
	}
	tier, err := s.tierFor(ctx, session.UserID)
	if err != nil {
		return store.Form{}, err
	}

	form := applyInput(existing, input)
	vctx, err := s.validationContext(ctx, session.UserID, tier, form)
	if err != nil {
		return store.Form{}, err
	}
	if err := forms.Validate(form, vctx); err != nil {
		return store.Form{}, err
	}

	updated, err := s.store.UpdateForm(ctx, form)
	if err != nil {
		return store.Form{}, err
	}
	s.recordRevision(updated, session, "Update form")
	if s.search != nil {
		s.search.IndexForm(updated)
	}
	return updated, nil
}

func (s *Service) DeleteForm(ctx context.Context, session Session, formID string) error {
	form, err := s.ownedForm(ctx, session, formID)
	if err != nil {
		return err
	}
	var submissionIDs []string
	if s.search != nil {
		subs, err := s.store.ListAllSubmissions(ctx, form.ID)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			submissionIDs = append(submissionIDs, sub.ID)
		}
	}
	if err := s.store.DeleteForm(ctx, form.ID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteForm(form.ID, submissionIDs)
	}
	if s.revisions != nil {
		s.background(func() {
			if err := s.revisions.Remove(form.ID); err != nil {
				log.Printf("revisions: remove %s: %v", form.ID, err)
			}
		})
	}
	return nil
}

// recordRevision commits the schema in the background. Failures never fail
// the save.
func (s *Service) recordRevision(form store.Form, session Session, message string) {
	if s.revisions == nil {
		return
	}
	author := firstNonBlank(session.DisplayName, session.Email, "Formcraft")
	snapshot := revisions.SnapshotOf(form)
	s.background(func() {
		if _, err := s.revisions.Commit(form.ID, snapshot, author, message); err != nil {
			log.Printf("revisions: commit %s: %v", form.ID, err)
		}
	})
}

func (s *Service) FormRevisions(ctx context.Context, session Session, formID string, limit int) ([]store.RevisionInfo, error) {
	if _, err := s.ownedForm(ctx, session, formID); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return []store.RevisionInfo{}, nil
	}
	return s.revisions.History(formID, limit)
}

func (s *Service) FormRevision(ctx context.Context, session Session, formID, hash string) (map[string]any, error) {
	if _, err := s.ownedForm(ctx, session, formID); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return nil, revisions.ErrRevisionNotFound
	}
	snapshot, info, err := s.revisions.Get(formID, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{"revision": info, "form": snapshot}, nil
}

// =============================================================================
// Public forms
// =============================================================================

type PublicForm struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Fields       []store.Field `json:"fields"`
	ShareHandle  string        `json:"shareHandle"`
	ShowBranding bool          `json:"showBranding"`
}

func (s *Service) publicForm(ctx context.Context, handle string) (store.Form, error) {
	form, err := s.store.GetFormByShareHandle(ctx, handle)
	if err != nil {
		return store.Form{}, err
	}
	if !form.IsPublic {
		return store.Form{}, errNotFound
	}
	return form, nil
}

// PublicForm returns the respondent view. Chat system prompts stay private.
func (s *Service) PublicForm(ctx context.Context, handle string) (PublicForm, error) {
	form, err := s.publicForm(ctx, handle)
	if err != nil {
		return PublicForm{}, err
	}
	tier, err := s.tierFor(ctx, form.UserID)
	if err != nil {
		return PublicForm{}, err
	}

	fields := make([]store.Field, len(form.Fields))
	for i, field := range form.Fields {
		if field.Chat != nil {
			cfg := *field.Chat
			cfg.SystemPrompt = ""
			field.Chat = &cfg
		}
		fields[i] = field
	}
	return PublicForm{
		ID:           form.ID,
		Name:         form.Name,
		Description:  form.Description,
		Fields:       fields,
		ShareHandle:  form.ShareHandle,
		ShowBranding: !plan.Can(tier, plan.FeatureRemoveBranding),
	}, nil
}

type SubmissionInput struct {
	Values map[string]any `json:"values"`
	// ChatSessions maps chat field ids to the session used to answer them.
	ChatSessions map[string]string `json:"chatSessions"`
	StartedAt    *time.Time        `json:"startedAt"`
}

func (s *Service) SubmitPublic(ctx context.Context, handle string, input SubmissionInput, submitterIP string) (store.Submission, error) {
	form, err := s.publicForm(ctx, handle)
	if err != nil {
		return store.Submission{}, err
	}
	values, err := forms.ValidateSubmission(form.Fields, input.Values)
	if err != nil {
		return store.Submission{}, err
	}

	interactions, messages := 0, 0
	for _, field := range form.Fields {
		sessionID := input.ChatSessions[field.ID]
		if field.Type != store.FieldChat || sessionID == "" {
			continue
		}
		session, err := s.store.GetChatSession(ctx, sessionID)
		if err != nil || session.FormID != form.ID || session.FieldID != field.ID {
			continue
		}
		transcript, err := s.chat.Load(ctx, sessionID)
		if err != nil {
			return store.Submission{}, err
		}
		users := 0
		for _, m := range transcript {
			if m.Role == chat.RoleUser {
				users++
			}
		}
		interactions += users
		messages += len(transcript)
		values[field.ID] = map[string]any{"sessionId": sessionID, "messages": transcript}
		if err := s.store.CloseChatSession(ctx, sessionID); err != nil {
			log.Printf("chat: close session %s: %v", sessionID, err)
		}
	}

	now := s.now().UTC()
	sub := store.Submission{
		ID:               util.NewID("sub"),
		FormID:           form.ID,
		Values:           values,
		SubmittedAt:      now,
		SubmitterIP:      submitterIP,
		Type:             forms.Classify(form.Fields, values, interactions),
		ChatInteractions: interactions,
		MessageCount:     messages,
	}
	if input.StartedAt != nil && input.StartedAt.Before(now) {
		sub.CompletionSeconds = int(now.Sub(*input.StartedAt).Seconds())
	}

	saved, err := s.store.InsertSubmission(ctx, sub)
	if err != nil {
		return store.Submission{}, err
	}
	if s.search != nil {
		s.search.IndexSubmission(form, saved)
	}
	s.notifyOwner(form, saved)
	return saved, nil
}

func (s *Service) notifyOwner(form store.Form, sub store.Submission) {
	if !s.SMTPConfigured() {
		return
	}
	s.background(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		owner, err := s.store.GetUserByID(ctx, form.UserID)
		if err != nil {
			log.Printf("email: submission owner %s: %v", form.UserID, err)
			return
		}
		data := email.SubmissionData{
			FormName:     form.Name,
			SubmittedAt:  sub.SubmittedAt.Format("2006-01-02 15:04 MST"),
			Type:         string(sub.Type),
			DashboardURL: strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/forms/" + form.ID + "/submissions",
		}
		for _, col := range export.Columns(form.Fields) {
			if value, ok := sub.Values[col.FieldID]; ok {
				data.Fields = append(data.Fields, email.SubmissionLine{Label: col.Label, Value: export.Stringify(value)})
			}
		}
		if err := s.mail.SendSubmissionNotification(owner.Email, data); err != nil {
			log.Printf("email: submission notification %s: %v", sub.ID, err)
		}
	})
}

func (s *Service) PublicChat(ctx context.Context, handle, fieldID, sessionID, message string) (chat.Reply, error) {
	form, err := s.publicForm(ctx, handle)
	if err != nil {
		return chat.Reply{}, err
	}
	var field *store.Field
	for i := range form.Fields {
		if form.Fields[i].ID == fieldID {
			field = &form.Fields[i]
			break
		}
	}
	if field == nil {
		return chat.Reply{}, errNotFound
	}
	tier, err := s.tierFor(ctx, form.UserID)
	if err != nil {
		return chat.Reply{}, err
	}
	if err := requireFeature(tier, plan.FeatureChatFields); err != nil {
		return chat.Reply{}, err
	}
	return s.chat.Converse(ctx, form, *field, sessionID, message)
}

// =============================================================================
// Submissions
// =============================================================================

type SubmissionPage struct {
	Submissions []store.Submission `json:"submissions"`
	Page        int                `json:"page"`
	PageSize    int                `json:"pageSize"`
	Total       int                `json:"total"`
	HasMore     bool               `json:"hasMore"`
}

func (s *Service) ListSubmissions(ctx context.Context, session Session, formID string, page, pageSize int) (SubmissionPage, error) {
	if _, err := s.ownedForm(ctx, session, formID); err != nil {
		return SubmissionPage{}, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.cfg.SubmissionPageSize
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	total, err := s.store.CountSubmissions(ctx, formID)
	if err != nil {
		return SubmissionPage{}, err
	}
	items, err := s.store.ListSubmissions(ctx, formID, pageSize, (page-1)*pageSize)
	if err != nil {
		return SubmissionPage{}, err
	}
	return SubmissionPage{
		Submissions: items,
		Page:        page,
		PageSize:    pageSize,
		Total:       total,
		HasMore:     page*pageSize < total,
	}, nil
}

func (s *Service) DeleteSubmission(ctx context.Context, session Session, formID, submissionID string) error {
	if _, err := s.ownedForm(ctx, session, formID); err != nil {
		return err
	}
	if err := s.store.DeleteSubmission(ctx, formID, submissionID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteSubmission(submissionID)
	}
	return nil
}

type AnalyticsReport struct {
	Granularity analytics.Granularity `json:"granularity"`
	From        time.Time             `json:"from"`
	To          time.Time             `json:"to"`
	Buckets     []analytics.Bucket    `json:"buckets"`
	Summary     analytics.Summary     `json:"summary"`
}

func (s *Service) Analytics(ctx context.Context, session Session, formID, granularity string) (AnalyticsReport, error) {
	g, err := analytics.ParseGranularity(granularity)
	if err != nil {
		return AnalyticsReport{}, domainError(http.StatusBadRequest, "INVALID_GRANULARITY", err.Error(), nil)
	}
	if _, err := s.ownedForm(ctx, session, formID); err != nil {
		return AnalyticsReport{}, err
	}
	subs, err := s.store.ListAllSubmissions(ctx, formID)
	if err != nil {
		return AnalyticsReport{}, err
	}
	now := s.now()
	from, to := analytics.DefaultRange(g, now)
	return AnalyticsReport{
		Granularity: g,
		From:        from,
		To:          to,
		Buckets:     analytics.Buckets(subs, g, from, to),
		Summary:     analytics.Summarize(subs, now),
	}, nil
}

// ExportOutcome holds either inline data or a download link.
type ExportOutcome struct {
	Result *export.Result
	URL    string
}

func (s *Service) Export(ctx context.Context, session Session, formID, format string) (ExportOutcome, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return ExportOutcome{}, err
	}
	form, err := s.ownedForm(ctx, session, formID)
	if err != nil {
		return ExportOutcome{}, err
	}
	if f == export.FormatPDF {
		tier, err := s.tierFor(ctx, session.UserID)
		if err != nil {
			return ExportOutcome{}, err
		}
		if err := requireFeature(tier, plan.FeaturePDFExport); err != nil {
			return ExportOutcome{}, err
		}
	}
	subs, err := s.store.ListAllSubmissions(ctx, formID)
	if err != nil {
		return ExportOutcome{}, err
	}
	result, err := s.exporter.Export(ctx, f, form, subs)
	if err != nil {
		return ExportOutcome{}, err
	}
	if s.objects == nil {
		return ExportOutcome{Result: result}, nil
	}
	link, err := s.objects.Upload(ctx, session.UserID, result.Filename, result.MimeType, result.Data)
	if err != nil {
		log.Printf("objectstore: upload %s: %v", result.Filename, err)
		return ExportOutcome{Result: result}, nil
	}
	return ExportOutcome{Result: result, URL: link}, nil
}

func (s *Service) ChatSession(ctx context.Context, session Session, formID, sessionID string) (map[string]any, error) {
	if _, err := s.ownedForm(ctx, session, formID); err != nil {
		return nil, err
	}
	chatSession, err := s.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if chatSession.FormID != formID {
		return nil, errNotFound
	}
	messages, err := s.chat.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session":  chatSession,
		"messages": messages,
	}, nil
}
