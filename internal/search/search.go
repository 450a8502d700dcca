// Package search indexes forms and submissions in Meilisearch and falls
// back to PostgreSQL pattern matching when Meilisearch is unavailable.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"formcraft/api/internal/store"
)

type ResultType string

const (
	ResultForm       ResultType = "form"
	ResultSubmission ResultType = "submission"
)

type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	FormID  string     `json:"formId"`
}

// Query is always scoped to one owner.
type Query struct {
	Text       string
	UserID     string
	FormID     string
	FilterType ResultType
	Limit      int
	Offset     int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

type FormRecord struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	FieldLabels []string `json:"fieldLabels"`
	IsPublic    bool     `json:"isPublic"`
}

type SubmissionRecord struct {
	ID          string `json:"id"`
	FormID      string `json:"formId"`
	FormName    string `json:"formName"`
	UserID      string `json:"userId"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	SubmittedAt int64  `json:"submittedAt"`
}

func NewFormRecord(form store.Form) FormRecord {
	labels := make([]string, 0, len(form.Fields))
	for _, field := range form.Fields {
		if field.Label != "" {
			labels = append(labels, field.Label)
		}
	}
	return FormRecord{
		ID:          form.ID,
		UserID:      form.UserID,
		Name:        form.Name,
		Description: form.Description,
		FieldLabels: labels,
		IsPublic:    form.IsPublic,
	}
}

func NewSubmissionRecord(form store.Form, sub store.Submission) SubmissionRecord {
	return SubmissionRecord{
		ID:          sub.ID,
		FormID:      form.ID,
		FormName:    form.Name,
		UserID:      form.UserID,
		Content:     Flatten(sub.Values),
		Type:        string(sub.Type),
		SubmittedAt: sub.SubmittedAt.Unix(),
	}
}

// Flatten joins submitted values into one searchable string, ordered by key.
func Flatten(values map[string]any) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		if text := flattenValue(values[key]); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " | ")
}

func flattenValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if text := flattenValue(item); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(v, ", ")
	case bool:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
