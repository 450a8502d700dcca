// Package forms holds the schema rules for form definitions and the checks
// applied to incoming submissions.
package forms

import (
	"fmt"
	"strings"

	"formcraft/api/internal/plan"
	"formcraft/api/internal/store"
	"formcraft/api/internal/util"
	"github.com/google/uuid"
)

// FieldError is one problem found in a form or submission.
type FieldError struct {
	FieldID string `json:"fieldId,omitempty"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(v))
	for _, item := range v {
		if item.FieldID == "" {
			parts = append(parts, item.Message)
			continue
		}
		parts = append(parts, item.FieldID+": "+item.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v *ValidationErrors) add(fieldID, format string, args ...any) {
	*v = append(*v, FieldError{FieldID: fieldID, Message: fmt.Sprintf(format, args...)})
}

func (v ValidationErrors) orNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

var knownTypes = map[store.FieldType]bool{
	store.FieldText:        true,
	store.FieldEmail:       true,
	store.FieldNumber:      true,
	store.FieldTextarea:    true,
	store.FieldSelect:      true,
	store.FieldRadio:       true,
	store.FieldCheckbox:    true,
	store.FieldDate:        true,
	store.FieldFile:        true,
	store.FieldPhone:       true,
	store.FieldURL:         true,
	store.FieldChat:        true,
	store.FieldPageBreak:   true,
	store.FieldAppointment: true,
}

func IsKnownType(t store.FieldType) bool {
	return knownTypes[t]
}

// Context describes what the owning account has available when a form is
// saved.
type Context struct {
	Tier              plan.Tier
	HasKnowledgeBase  bool
	CalendarProviders map[string]bool
}

// NormalizeFields trims labels and options, drops blank options and assigns
// ids to fields that arrive without one. The input slice is not modified.
func NormalizeFields(fields []store.Field) []store.Field {
	out := make([]store.Field, 0, len(fields))
	for _, field := range fields {
		field.ID = strings.TrimSpace(field.ID)
		if field.ID == "" {
			field.ID = "field_" + uuid.NewString()[:8]
		}
		field.Type = store.FieldType(strings.ToLower(strings.TrimSpace(string(field.Type))))
		field.Label = strings.TrimSpace(field.Label)
		field.Placeholder = strings.TrimSpace(field.Placeholder)
		if field.Options != nil {
			options := make([]string, 0, len(field.Options))
			for _, option := range field.Options {
				if option = strings.TrimSpace(option); option != "" {
					options = append(options, option)
				}
			}
			field.Options = options
		}
		out = append(out, field)
	}
	return out
}

// Validate checks a form definition. It returns ValidationErrors or nil.
func Validate(form store.Form, ctx Context) error {
	var errs ValidationErrors
	if strings.TrimSpace(form.Name) == "" {
		errs.add("", "form name is required")
	}

	seen := make(map[string]bool, len(form.Fields))
	for _, field := range form.Fields {
		if field.ID == "" {
			errs.add("", "field id is required")
		} else if seen[field.ID] {
			errs.add(field.ID, "duplicate field id")
		}
		seen[field.ID] = true

		if !IsKnownType(field.Type) {
			errs.add(field.ID, "unknown field type %q", field.Type)
			continue
		}
		if field.Type != store.FieldPageBreak && field.Label == "" {
			errs.add(field.ID, "label is required")
		}

		switch field.Type {
		case store.FieldSelect, store.FieldRadio:
			if len(field.Options) == 0 {
				errs.add(field.ID, "%s fields need at least one option", field.Type)
			}
		case store.FieldNumber:
			if field.Min != nil && field.Max != nil && *field.Min > *field.Max {
				errs.add(field.ID, "min must not exceed max")
			}
		case store.FieldChat:
			if !plan.Can(ctx.Tier, plan.FeatureChatFields) {
				errs.add(field.ID, "chat fields are not available on the %s plan", ctx.Tier)
			}
			if form.KnowledgeBaseID == nil || *form.KnowledgeBaseID == "" || !ctx.HasKnowledgeBase {
				errs.add(field.ID, "chat fields require a linked knowledge base")
			}
			if field.Chat != nil && (field.Chat.Temperature < 0 || field.Chat.Temperature > 2) {
				errs.add(field.ID, "temperature must be between 0 and 2")
			}
		case store.FieldAppointment:
			if !plan.Can(ctx.Tier, plan.FeatureAppointmentFields) {
				errs.add(field.ID, "appointment fields are not available on the %s plan", ctx.Tier)
			}
			if field.Appointment == nil || field.Appointment.Provider == "" {
				errs.add(field.ID, "appointment fields need a calendar provider")
			} else if !ctx.CalendarProviders[field.Appointment.Provider] {
				errs.add(field.ID, "no active %s calendar integration", field.Appointment.Provider)
			}
			if field.Appointment != nil && field.Appointment.DurationMinutes <= 0 {
				errs.add(field.ID, "appointment duration must be positive")
			}
		}
	}
	return errs.orNil()
}

// NewShareHandle derives a public handle from the form name.
func NewShareHandle(name string) string {
	slug := util.Slugify(name, 40)
	if slug == "" {
		slug = "form"
	}
	return slug + "-" + util.RandomHex(3)
}
