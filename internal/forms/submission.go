package forms

import (
	"encoding/json"
	"math"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"formcraft/api/internal/store"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9 ()\-.]{6,24}$`)

// ValidateSubmission checks values against the form's fields and returns
// the accepted values keyed by field id. Keys that match no field are
// dropped.
func ValidateSubmission(fields []store.Field, values map[string]any) (map[string]any, error) {
	var errs ValidationErrors
	clean := make(map[string]any, len(fields))

	for _, field := range fields {
		if field.Type == store.FieldPageBreak {
			continue
		}
		value, present := values[field.ID]
		if !present || isEmpty(value) {
			if field.Required && field.Type != store.FieldChat {
				errs.add(field.ID, "%s is required", labelOf(field))
			}
			continue
		}

		accepted, message := checkValue(field, value)
		if message != "" {
			errs.add(field.ID, "%s", message)
			continue
		}
		clean[field.ID] = accepted
	}

	if err := errs.orNil(); err != nil {
		return nil, err
	}
	return clean, nil
}

func checkValue(field store.Field, value any) (any, string) {
	switch field.Type {
	case store.FieldNumber:
		n, ok := toFloat(value)
		if !ok {
			return nil, "must be a number"
		}
		if field.Min != nil && n < *field.Min {
			return nil, "must be at least " + strconv.FormatFloat(*field.Min, 'f', -1, 64)
		}
		if field.Max != nil && n > *field.Max {
			return nil, "must be at most " + strconv.FormatFloat(*field.Max, 'f', -1, 64)
		}
		return n, ""

	case store.FieldCheckbox:
		if len(field.Options) == 0 {
			b, ok := value.(bool)
			if !ok {
				return nil, "must be true or false"
			}
			return b, ""
		}
		picked, ok := toStrings(value)
		if !ok {
			return nil, "must be a list of options"
		}
		for _, item := range picked {
			if !contains(field.Options, item) {
				return nil, "unknown option " + strconv.Quote(item)
			}
		}
		return picked, ""

	case store.FieldChat:
		return value, ""
	}

	text, ok := value.(string)
	if !ok {
		return nil, "must be a string"
	}
	text = strings.TrimSpace(text)

	switch field.Type {
	case store.FieldEmail:
		addr, err := mail.ParseAddress(text)
		if err != nil || addr.Address != text {
			return nil, "must be a valid email address"
		}
	case store.FieldURL:
		u, err := url.ParseRequestURI(text)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, "must be an http or https URL"
		}
	case store.FieldPhone:
		if !phonePattern.MatchString(text) || countDigits(text) < 6 {
			return nil, "must be a phone number"
		}
	case store.FieldDate:
		if _, err := time.Parse("2006-01-02", text); err != nil {
			return nil, "must be a date (YYYY-MM-DD)"
		}
	case store.FieldAppointment:
		if _, err := time.Parse(time.RFC3339, text); err != nil {
			return nil, "must be an RFC 3339 timestamp"
		}
	case store.FieldSelect, store.FieldRadio:
		if !contains(field.Options, text) {
			return nil, "unknown option " + strconv.Quote(text)
		}
	}
	return text, ""
}

// Classify labels a submission by how it was filled in.
func Classify(fields []store.Field, values map[string]any, chatInteractions int) store.SubmissionType {
	if chatInteractions <= 0 {
		return store.SubmissionTraditional
	}
	types := make(map[string]store.FieldType, len(fields))
	for _, field := range fields {
		types[field.ID] = field.Type
	}
	for id, value := range values {
		if isEmpty(value) {
			continue
		}
		if types[id] != store.FieldChat {
			return store.SubmissionHybrid
		}
	}
	return store.SubmissionChat
}

func labelOf(field store.Field) string {
	if field.Label != "" {
		return field.Label
	}
	return field.ID
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	}
	return false
}

// toFloat accepts finite numbers only; NaN and infinities cannot be stored
// as JSON.
func toFloat(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toStrings(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		return []string{v}, true
	}
	return nil, false
}

func contains(options []string, value string) bool {
	for _, option := range options {
		if option == value {
			return true
		}
	}
	return false
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
