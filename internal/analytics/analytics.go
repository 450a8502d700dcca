// Package analytics aggregates a form's submissions into time buckets and
// summary counters.
package analytics

import (
	"fmt"
	"strings"
	"time"

	"formcraft/api/internal/store"
)

type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

func ParseGranularity(value string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(value))); g {
	case "":
		return Day, nil
	case Day, Week, Month:
		return g, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", value)
	}
}

type Bucket struct {
	Start time.Time `json:"start"`
	Label string    `json:"label"`
	Count int       `json:"count"`
}

// Truncate returns the UTC start of the bucket containing t. Weeks start on
// Monday.
func Truncate(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch g {
	case Week:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

func next(t time.Time, g Granularity) time.Time {
	switch g {
	case Week:
		return t.AddDate(0, 0, 7)
	case Month:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

func label(t time.Time, g Granularity) string {
	switch g {
	case Week:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case Month:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// DefaultRange is the window shown when the caller gives none: 30 days,
// 12 weeks or 12 months ending at now.
func DefaultRange(g Granularity, now time.Time) (time.Time, time.Time) {
	switch g {
	case Week:
		return now.AddDate(0, 0, -7*11), now
	case Month:
		return now.AddDate(0, -11, 0), now
	default:
		return now.AddDate(0, 0, -29), now
	}
}

// Buckets counts submissions per bucket between from and to inclusive.
// Every bucket in the range is present, empty ones with a zero count.
func Buckets(subs []store.Submission, g Granularity, from, to time.Time) []Bucket {
	start := Truncate(from, g)
	end := Truncate(to, g)
	if end.Before(start) {
		return []Bucket{}
	}

	out := make([]Bucket, 0)
	index := make(map[time.Time]int)
	for cursor := start; !cursor.After(end); cursor = next(cursor, g) {
		index[cursor] = len(out)
		out = append(out, Bucket{Start: cursor, Label: label(cursor, g)})
	}
	for _, sub := range subs {
		if i, ok := index[Truncate(sub.SubmittedAt, g)]; ok {
			out[i].Count++
		}
	}
	return out
}

type Summary struct {
	Total                    int                          `json:"total"`
	ByType                   map[store.SubmissionType]int `json:"byType"`
	Last7Days                int                          `json:"last7Days"`
	Last30Days               int                          `json:"last30Days"`
	AverageChatInteractions  float64                      `json:"averageChatInteractions"`
	AverageCompletionSeconds float64                      `json:"averageCompletionSeconds"`
	LastSubmittedAt          *time.Time                   `json:"lastSubmittedAt,omitempty"`
}

func Summarize(subs []store.Submission, now time.Time) Summary {
	summary := Summary{
		Total: len(subs),
		ByType: map[store.SubmissionType]int{
			store.SubmissionTraditional: 0,
			store.SubmissionChat:        0,
			store.SubmissionHybrid:      0,
		},
	}
	weekAgo := now.Add(-7 * 24 * time.Hour)
	monthAgo := now.Add(-30 * 24 * time.Hour)

	chatTotal, completionTotal, completionCount := 0, 0, 0
	for _, sub := range subs {
		kind := sub.Type
		if kind == "" {
			kind = store.SubmissionTraditional
		}
		summary.ByType[kind]++
		if sub.SubmittedAt.After(weekAgo) {
			summary.Last7Days++
		}
		if sub.SubmittedAt.After(monthAgo) {
			summary.Last30Days++
		}
		chatTotal += sub.ChatInteractions
		if sub.CompletionSeconds > 0 {
			completionTotal += sub.CompletionSeconds
			completionCount++
		}
		if summary.LastSubmittedAt == nil || sub.SubmittedAt.After(*summary.LastSubmittedAt) {
			at := sub.SubmittedAt
			summary.LastSubmittedAt = &at
		}
	}
	if len(subs) > 0 {
		summary.AverageChatInteractions = float64(chatTotal) / float64(len(subs))
	}
	if completionCount > 0 {
		summary.AverageCompletionSeconds = float64(completionTotal) / float64(completionCount)
	}
	return summary
}
