package client

import (
	"context"
	"fmt"
	"io"
	"sync"

	"formcraft/api/internal/analytics"
	"formcraft/api/internal/clock"
	"formcraft/api/internal/export"
	"formcraft/api/internal/store"
)

const DefaultPageSize = 50

// SubmissionsSlice pages through one form's submissions. Analytics and
// exports are computed over whatever has been loaded.
type SubmissionsSlice struct {
	mu       sync.Mutex
	backend  Backend
	clock    clock.Clock
	ops      *Operations
	forms    *FormsSlice
	pageSize int

	formID  string
	items   []store.Submission
	removed int
	page    int
	total   int
	hasMore bool
	lastErr error
}

// FetchPage loads page of formID. Page 1, or a different form, replaces
// the list; later pages append, skipping submissions already loaded. Local
// deletions shift the server's offsets back, so the pages overlapping the
// shifted window are fetched too.
func (s *SubmissionsSlice) FetchPage(ctx context.Context, formID string, page int) (SubmissionPage, error) {
	if page < 1 {
		page = 1
	}
	s.mu.Lock()
	first := page
	if formID == s.formID && page > 1 && s.removed > 0 {
		size := s.pageSize
		if size <= 0 {
			size = DefaultPageSize
		}
		start := (page-1)*size - s.removed
		if start < 0 {
			start = 0
		}
		first = start/size + 1
	}
	s.mu.Unlock()

	token := s.ops.Begin()
	defer s.ops.End(token)
	pages := make([]SubmissionPage, 0, page-first+1)
	for p := first; p <= page; p++ {
		resp, err := s.backend.ListSubmissions(ctx, formID, p, s.pageSize)
		if !s.ops.Valid(token) {
			return SubmissionPage{}, ErrStale
		}
		if err != nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			return SubmissionPage{}, err
		}
		pages = append(pages, resp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if formID != s.formID || page == 1 {
		s.formID = formID
		s.items = nil
	}
	seen := make(map[string]bool, len(s.items))
	for _, item := range s.items {
		seen[item.ID] = true
	}
	for _, resp := range pages {
		for _, sub := range resp.Submissions {
			if seen[sub.ID] {
				continue
			}
			seen[sub.ID] = true
			s.items = append(s.items, sub)
		}
	}
	last := pages[len(pages)-1]
	s.page = last.Page
	s.total = last.Total
	s.hasMore = last.HasMore
	s.removed = 0
	s.lastErr = nil
	return last, nil
}

func (s *SubmissionsSlice) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *SubmissionsSlice) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *SubmissionsSlice) Submissions() []store.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Submission(nil), s.items...)
}

// Delete removes a loaded submission optimistically.
func (s *SubmissionsSlice) Delete(ctx context.Context, submissionID string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.items {
		if s.items[i].ID == submissionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("client: submission %s not loaded", submissionID)
	}
	formID := s.formID
	snapshot := s.items[idx]
	s.items = append(s.items[:idx:idx], s.items[idx+1:]...)
	s.total--
	s.removed++
	s.mu.Unlock()

	token := s.ops.Begin()
	defer s.ops.End(token)
	err := s.backend.DeleteSubmission(ctx, formID, submissionID)
	if !s.ops.Valid(token) {
		return ErrStale
	}
	if err != nil {
		s.mu.Lock()
		if s.formID == formID && !s.loaded(submissionID) {
			if idx > len(s.items) {
				idx = len(s.items)
			}
			s.items = append(s.items[:idx:idx], append([]store.Submission{snapshot}, s.items[idx:]...)...)
			s.total++
			if s.removed > 0 {
				s.removed--
			}
		}
		s.lastErr = err
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *SubmissionsSlice) loaded(id string) bool {
	for i := range s.items {
		if s.items[i].ID == id {
			return true
		}
	}
	return false
}

// Analytics buckets the loaded submissions over g's default window.
func (s *SubmissionsSlice) Analytics(g analytics.Granularity) ([]analytics.Bucket, analytics.Summary) {
	subs := s.Submissions()
	now := s.clock.Now()
	from, to := analytics.DefaultRange(g, now)
	return analytics.Buckets(subs, g, from, to), analytics.Summarize(subs, now)
}

func (s *SubmissionsSlice) ExportCSV(w io.Writer) error {
	fields, subs, err := s.exportInput()
	if err != nil {
		return err
	}
	return export.WriteCSV(w, fields, subs)
}

func (s *SubmissionsSlice) ExportJSON(w io.Writer) error {
	fields, subs, err := s.exportInput()
	if err != nil {
		return err
	}
	return export.WriteJSON(w, fields, subs)
}

func (s *SubmissionsSlice) exportInput() ([]store.Field, []store.Submission, error) {
	s.mu.Lock()
	formID := s.formID
	subs := append([]store.Submission(nil), s.items...)
	s.mu.Unlock()
	form, ok := s.forms.Get(formID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrFormMissing, formID)
	}
	return form.Fields, subs, nil
}

func (s *SubmissionsSlice) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *SubmissionsSlice) reset() {
	s.mu.Lock()
	s.formID = ""
	s.items = nil
	s.removed = 0
	s.page = 0
	s.total = 0
	s.hasMore = false
	s.lastErr = nil
	s.mu.Unlock()
}
