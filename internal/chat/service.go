package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"formcraft/api/internal/clock"
	"formcraft/api/internal/gemini"
	"formcraft/api/internal/store"
	"github.com/google/uuid"
)

var (
	ErrSaveInFlight  = errors.New("chat session save already in progress")
	ErrEmptyMessage  = errors.New("message must not be empty")
	ErrNotChatField  = errors.New("field is not a chat field")
	ErrTurnLimit     = errors.New("chat turn limit reached")
	ErrSessionClosed = errors.New("chat session is closed")
)

const (
	DefaultContextWindow = 20
	knowledgeExcerpt     = 12000
	defaultMaxOutput     = 1024
)

type Store interface {
	GetChatSession(ctx context.Context, sessionID string) (store.ChatSession, error)
	InsertChatSession(ctx context.Context, session store.ChatSession) error
	SaveChatTranscript(ctx context.Context, sessionID string, conversation, transcript []store.ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string) ([]store.ChatMessage, error)
	InsertChatMessages(ctx context.Context, sessionID string, messages []store.ChatMessage) error
	GetKnowledgeBase(ctx context.Context, id string) (store.KnowledgeBase, error)
}

type Completer interface {
	Complete(ctx context.Context, req gemini.Request) (string, error)
}

type Service struct {
	store         Store
	completer     Completer
	locks         *Locks
	clock         clock.Clock
	ContextWindow int
}

func NewService(st Store, completer Completer, c clock.Clock) *Service {
	if c == nil {
		c = clock.Real()
	}
	return &Service{
		store:         st,
		completer:     completer,
		locks:         NewLocks(),
		clock:         c,
		ContextWindow: DefaultContextWindow,
	}
}

func (s *Service) Locks() *Locks {
	return s.locks
}

// Load returns the session's messages. The canonical transcript is used
// when present; otherwise the per-message rows are read.
func (s *Service) Load(ctx context.Context, sessionID string) ([]Message, error) {
	session, err := s.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(session.Transcript) > 0 {
		return Merge(session.Transcript, nil), nil
	}
	rows, err := s.store.ListChatMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load chat messages: %w", err)
	}
	return Merge(rows, nil), nil
}

// Save merges local into the stored transcript and writes it back. A save
// already running for the same session makes this call return
// ErrSaveInFlight without touching storage.
func (s *Service) Save(ctx context.Context, session store.ChatSession, local []Message) ([]Message, error) {
	if !s.locks.TryLock(session.ID) {
		return nil, ErrSaveInFlight
	}
	defer s.locks.Unlock(session.ID)

	persisted, err := s.Load(ctx, session.ID)
	if errors.Is(err, sql.ErrNoRows) {
		session.IsActive = true
		if err := s.store.InsertChatSession(ctx, session); err != nil {
			return nil, err
		}
		persisted = nil
	} else if err != nil {
		return nil, err
	}

	merged := Merge(persisted, local)
	for i := range merged {
		if merged[i].ID == "" {
			merged[i].ID = uuid.NewString()
		}
		merged[i].SessionID = session.ID
	}

	known := make(map[string]bool, len(persisted))
	for _, m := range persisted {
		known[Key(m)] = true
	}
	fresh := make([]Message, 0)
	for _, m := range merged {
		if !known[Key(m)] {
			fresh = append(fresh, m)
		}
	}

	if err := s.store.SaveChatTranscript(ctx, session.ID, Window(merged, s.ContextWindow), merged); err != nil {
		return nil, fmt.Errorf("save transcript: %w", err)
	}
	if err := s.store.InsertChatMessages(ctx, session.ID, fresh); err != nil {
		return nil, fmt.Errorf("save chat messages: %w", err)
	}
	return merged, nil
}

type Reply struct {
	SessionID  string    `json:"sessionId"`
	Message    Message   `json:"message"`
	Transcript []Message `json:"transcript"`
	Saved      bool      `json:"saved"`
}

// Converse runs one user turn on a chat field: it sends the running
// conversation to the completion provider and stores both messages.
func (s *Service) Converse(ctx context.Context, form store.Form, field store.Field, sessionID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	if field.Type != store.FieldChat {
		return Reply{}, ErrNotChatField
	}
	cfg := store.ChatFieldConfig{}
	if field.Chat != nil {
		cfg = *field.Chat
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	session := store.ChatSession{ID: sessionID, FormID: form.ID, FieldID: field.ID, IsActive: true}

	history, err := s.Load(ctx, sessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		history = nil
		if cfg.Greeting != "" {
			history = append(history, Message{Role: RoleAssistant, Content: cfg.Greeting, CreatedAt: s.clock.Now().UTC()})
		}
	case err != nil:
		return Reply{}, err
	default:
		existing, err := s.store.GetChatSession(ctx, sessionID)
		if err != nil {
			return Reply{}, err
		}
		if existing.FormID != form.ID || existing.FieldID != field.ID {
			return Reply{}, sql.ErrNoRows
		}
		if !existing.IsActive {
			return Reply{}, ErrSessionClosed
		}
	}
	if cfg.MaxTurns > 0 && countRole(history, RoleUser) >= cfg.MaxTurns {
		return Reply{}, ErrTurnLimit
	}

	userMessage := Message{Role: RoleUser, Content: text, CreatedAt: s.clock.Now().UTC()}
	req := gemini.Request{
		System:          s.systemPrompt(ctx, form, cfg),
		Temperature:     cfg.Temperature,
		MaxOutputTokens: defaultMaxOutput,
	}
	for _, m := range Window(append(history, userMessage), s.ContextWindow) {
		if m.Role == RoleSystem {
			continue
		}
		req.Turns = append(req.Turns, gemini.Turn{Role: m.Role, Text: m.Content})
	}

	answer, err := s.completer.Complete(ctx, req)
	if err != nil {
		return Reply{}, fmt.Errorf("chat completion: %w", err)
	}
	assistant := Message{Role: RoleAssistant, Content: answer, CreatedAt: s.clock.Now().UTC()}
	if !assistant.CreatedAt.After(userMessage.CreatedAt) {
		assistant.CreatedAt = userMessage.CreatedAt.Add(1)
	}

	local := append(history, userMessage, assistant)
	saved, err := s.Save(ctx, session, local)
	reply := Reply{SessionID: sessionID, Message: assistant}
	switch {
	case errors.Is(err, ErrSaveInFlight):
		reply.Transcript = Merge(local, nil)
	case err != nil:
		return Reply{}, err
	default:
		reply.Transcript = saved
		reply.Saved = true
		for _, m := range saved {
			if Key(m) == Key(assistant) {
				reply.Message = m
			}
		}
	}
	return reply, nil
}

func (s *Service) systemPrompt(ctx context.Context, form store.Form, cfg store.ChatFieldConfig) string {
	var b strings.Builder
	if cfg.SystemPrompt != "" {
		b.WriteString(cfg.SystemPrompt)
	} else {
		fmt.Fprintf(&b, "You are a helpful assistant collecting responses for the form %q.", form.Name)
	}
	if form.KnowledgeBaseID == nil || *form.KnowledgeBaseID == "" {
		return b.String()
	}
	kb, err := s.store.GetKnowledgeBase(ctx, *form.KnowledgeBaseID)
	if err != nil || kb.Content == "" {
		return b.String()
	}
	excerpt := truncateUTF8(kb.Content, knowledgeExcerpt)
	b.WriteString("\n\nAnswer using this reference material when relevant:\n")
	b.WriteString(excerpt)
	return b.String()
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func countRole(list []Message, role string) int {
	n := 0
	for _, m := range list {
		if m.Role == role {
			n++
		}
	}
	return n
}
