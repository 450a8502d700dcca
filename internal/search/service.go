package search

import (
	"context"
	"log"

	"formcraft/api/internal/store"
)

// Service tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili    *Meili
	fallback Searcher
	loader   *PgSearch
}

// NewService builds the facade. meili may be nil when Meilisearch is not
// configured.
func NewService(meili *Meili, pg *PgSearch) *Service {
	s := &Service{meili: meili, loader: pg}
	if pg != nil {
		s.fallback = pg
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: postgres error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) live() bool {
	return s.meili != nil && s.meili.Healthy()
}

// IndexForm and the other index methods return immediately; failures are
// logged.
func (s *Service) IndexForm(form store.Form) {
	if !s.live() {
		return
	}
	record := NewFormRecord(form)
	go func() {
		if err := s.meili.IndexForms([]FormRecord{record}); err != nil {
			log.Printf("search: index form %s: %v", record.ID, err)
		}
	}()
}

func (s *Service) IndexSubmission(form store.Form, sub store.Submission) {
	if !s.live() {
		return
	}
	record := NewSubmissionRecord(form, sub)
	go func() {
		if err := s.meili.IndexSubmissions([]SubmissionRecord{record}); err != nil {
			log.Printf("search: index submission %s: %v", record.ID, err)
		}
	}()
}

func (s *Service) DeleteForm(id string, submissionIDs []string) {
	if !s.live() {
		return
	}
	go func() {
		if err := s.meili.DeleteForm(id); err != nil {
			log.Printf("search: delete form %s: %v", id, err)
		}
		for _, subID := range submissionIDs {
			if err := s.meili.DeleteSubmission(subID); err != nil {
				log.Printf("search: delete submission %s: %v", subID, err)
			}
		}
	}()
}

func (s *Service) DeleteSubmission(id string) {
	if !s.live() {
		return
	}
	go func() {
		if err := s.meili.DeleteSubmission(id); err != nil {
			log.Printf("search: delete submission %s: %v", id, err)
		}
	}()
}

// Reindex pushes every form and submission from Postgres to Meilisearch and
// reports how many of each were sent.
func (s *Service) Reindex(ctx context.Context) (int, int, error) {
	if !s.live() || s.loader == nil {
		return 0, 0, nil
	}
	forms, subs, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		return 0, 0, err
	}
	if err := s.meili.IndexForms(forms); err != nil {
		return 0, 0, err
	}
	if err := s.meili.IndexSubmissions(subs); err != nil {
		return len(forms), 0, err
	}
	return len(forms), len(subs), nil
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
