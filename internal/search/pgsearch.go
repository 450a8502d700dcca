package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"formcraft/api/internal/store"
)

// PgSearch matches forms and submissions with ILIKE. It is the fallback
// when Meilisearch is unreachable.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

func escapeLike(text string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text)
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || q.UserID == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{"%" + escapeLike(text) + "%", q.UserID}
	var parts []string

	if (q.FilterType == "" || q.FilterType == ResultForm) && q.FormID == "" {
		parts = append(parts, `
			SELECT 'form'::text AS type, f.id, f.name AS title, f.description AS snippet, f.id AS form_id, f.updated_at AS sort_at
			FROM forms f
			WHERE f.user_id = $2 AND (f.name ILIKE $1 OR f.description ILIKE $1)`)
	}
	if q.FilterType == "" || q.FilterType == ResultSubmission {
		where := "f.user_id = $2 AND s.data::text ILIKE $1"
		if q.FormID != "" {
			args = append(args, q.FormID)
			where += fmt.Sprintf(" AND s.form_id = $%d", len(args))
		}
		parts = append(parts, `
			SELECT 'submission'::text AS type, s.id, f.name AS title, left(s.data::text, 200) AS snippet, s.form_id, s.submitted_at AS sort_at
			FROM form_submissions s
			JOIN forms f ON f.id = s.form_id
			WHERE `+where)
	}
	if len(parts) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(parts, " UNION ALL ")
	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgsearch count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT type, id, title, snippet, form_id
		FROM (%s) sub
		ORDER BY sort_at DESC
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgsearch query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var kind string
		if err := rows.Scan(&kind, &r.ID, &r.Title, &r.Snippet, &r.FormID); err != nil {
			return nil, 0, fmt.Errorf("pgsearch scan: %w", err)
		}
		r.Type = ResultType(kind)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns everything searchable for a full reindex.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]FormRecord, []SubmissionRecord, error) {
	formRows, err := p.db.QueryContext(ctx, `SELECT id, user_id, name, description, fields, is_public FROM forms`)
	if err != nil {
		return nil, nil, fmt.Errorf("load forms: %w", err)
	}
	defer formRows.Close()

	forms := make([]FormRecord, 0)
	for formRows.Next() {
		var form store.Form
		var fields []byte
		if err := formRows.Scan(&form.ID, &form.UserID, &form.Name, &form.Description, &fields, &form.IsPublic); err != nil {
			return nil, nil, fmt.Errorf("scan form: %w", err)
		}
		_ = json.Unmarshal(fields, &form.Fields)
		forms = append(forms, NewFormRecord(form))
	}
	if err := formRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate forms: %w", err)
	}

	subRows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.form_id, f.name, f.user_id, s.data, s.submission_type, s.submitted_at
		FROM form_submissions s
		JOIN forms f ON f.id = s.form_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load submissions: %w", err)
	}
	defer subRows.Close()

	subs := make([]SubmissionRecord, 0)
	for subRows.Next() {
		var record SubmissionRecord
		var data []byte
		var submittedAt time.Time
		if err := subRows.Scan(&record.ID, &record.FormID, &record.FormName, &record.UserID, &data, &record.Type, &submittedAt); err != nil {
			return nil, nil, fmt.Errorf("scan submission: %w", err)
		}
		values := map[string]any{}
		_ = json.Unmarshal(data, &values)
		record.Content = Flatten(values)
		record.SubmittedAt = submittedAt.Unix()
		subs = append(subs, record)
	}
	if err := subRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return forms, subs, nil
}
