package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Plan                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Subscription struct {
	UserID           string     `json:"userId"`
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type FieldType string

const (
	FieldText        FieldType = "text"
	FieldEmail       FieldType = "email"
	FieldNumber      FieldType = "number"
	FieldTextarea    FieldType = "textarea"
	FieldSelect      FieldType = "select"
	FieldRadio       FieldType = "radio"
	FieldCheckbox    FieldType = "checkbox"
	FieldDate        FieldType = "date"
	FieldFile        FieldType = "file"
	FieldPhone       FieldType = "phone"
	FieldURL         FieldType = "url"
	FieldChat        FieldType = "chat"
	FieldPageBreak   FieldType = "page-break"
	FieldAppointment FieldType = "appointment"
)

// ChatFieldConfig configures the assistant behind a chat field.
type ChatFieldConfig struct {
	SystemPrompt   string  `json:"systemPrompt"`
	Greeting       string  `json:"greeting,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTurns       int     `json:"maxTurns,omitempty"`
	CollectSummary bool    `json:"collectSummary,omitempty"`
}

// AppointmentConfig configures an appointment-booking field.
type AppointmentConfig struct {
	Provider        string `json:"provider"`
	DurationMinutes int    `json:"durationMinutes"`
	Timezone        string `json:"timezone,omitempty"`
}

// Field is one input definition inside a form's schema. Which optional
// members apply depends on Type.
type Field struct {
	ID          string             `json:"id"`
	Type        FieldType          `json:"type"`
	Label       string             `json:"label"`
	Placeholder string             `json:"placeholder,omitempty"`
	Required    bool               `json:"required"`
	Options     []string           `json:"options,omitempty"`
	Min         *float64           `json:"min,omitempty"`
	Max         *float64           `json:"max,omitempty"`
	Chat        *ChatFieldConfig   `json:"chat,omitempty"`
	Appointment *AppointmentConfig `json:"appointment,omitempty"`
}

type Form struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Fields          []Field         `json:"fields"`
	IsPublic        bool            `json:"isPublic"`
	ShareHandle     string          `json:"shareHandle"`
	KnowledgeBaseID *string         `json:"knowledgeBaseId,omitempty"`
	ChatFlow        json.RawMessage `json:"chatFlow,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type SubmissionType string

const (
	SubmissionTraditional SubmissionType = "traditional"
	SubmissionChat        SubmissionType = "chat"
	SubmissionHybrid      SubmissionType = "hybrid"
)

type Submission struct {
	ID                string         `json:"id"`
	FormID            string         `json:"formId"`
	Values            map[string]any `json:"values"`
	SubmittedAt       time.Time      `json:"submittedAt"`
	SubmitterIP       string         `json:"submitterIp,omitempty"`
	Type              SubmissionType `json:"type"`
	ChatInteractions  int            `json:"chatInteractions"`
	MessageCount      int            `json:"messageCount"`
	CompletionSeconds int            `json:"completionSeconds"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

type ChatSession struct {
	ID           string        `json:"id"`
	FormID       string        `json:"formId"`
	FieldID      string        `json:"fieldId"`
	Context      []ChatMessage `json:"conversationContext"`
	Transcript   []ChatMessage `json:"fullTranscript"`
	IsActive     bool          `json:"isActive"`
	MessageCount int           `json:"messageCount"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

type KnowledgeBase struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Name          string    `json:"name"`
	FileName      string    `json:"fileName"`
	SizeBytes     int64     `json:"sizeBytes"`
	TokenEstimate int       `json:"tokenEstimate"`
	Content       string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

type CalendarIntegration struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Provider     string     `json:"provider"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	IsActive     bool       `json:"isActive"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type RevisionInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
