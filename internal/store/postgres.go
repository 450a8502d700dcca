package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when an insert collides with a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =============================================================================
// Users
// =============================================================================

const userColumns = `
	u.id, u.display_name, u.email, u.password_hash, u.is_email_verified,
	COALESCE(u.verification_token, ''), u.verification_expires_at,
	COALESCE(us.plan, 'hobby'), u.created_at, u.updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var expires sql.NullTime
	err := row.Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.PasswordHash,
		&user.IsEmailVerified,
		&user.VerificationToken,
		&expires,
		&user.Plan,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	if expires.Valid {
		user.VerificationExpiresAt = &expires.Time
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, user.ID, user.DisplayName, strings.ToLower(user.Email), user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}

	plan := user.Plan
	if plan == "" {
		plan = "hobby"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_subscriptions (user_id, plan)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, user.ID, plan); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		LEFT JOIN user_subscriptions us ON us.user_id = u.id
		WHERE u.email = $1
	`, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		LEFT JOIN user_subscriptions us ON us.user_id = u.id
		WHERE u.id = $1
	`, userID)
	return scanUser(row)
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// =============================================================================
// Sessions (used when Redis is not configured)
// =============================================================================

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		LEFT JOIN user_subscriptions us ON us.user_id = u.id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash)
	return scanUser(row)
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// =============================================================================
// Subscriptions
// =============================================================================

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (Subscription, error) {
	var item Subscription
	var periodEnd sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, plan, status, current_period_end, updated_at
		FROM user_subscriptions
		WHERE user_id=$1
	`, userID).Scan(&item.UserID, &item.Plan, &item.Status, &periodEnd, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{UserID: userID, Plan: "hobby", Status: "active"}, nil
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	if periodEnd.Valid {
		item.CurrentPeriodEnd = &periodEnd.Time
	}
	return item, nil
}

// =============================================================================
// Forms
// =============================================================================

const formColumns = `id, user_id, name, description, fields, is_public, share_handle, knowledge_base_id, chat_flow, created_at, updated_at`

func scanForm(row interface{ Scan(...any) error }) (Form, error) {
	var item Form
	var fields []byte
	var knowledgeBaseID sql.NullString
	var chatFlow []byte
	err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.Name,
		&item.Description,
		&fields,
		&item.IsPublic,
		&item.ShareHandle,
		&knowledgeBaseID,
		&chatFlow,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Form{}, err
	}
	if err := json.Unmarshal(fields, &item.Fields); err != nil {
		return Form{}, fmt.Errorf("decode form fields: %w", err)
	}
	if item.Fields == nil {
		item.Fields = []Field{}
	}
	if knowledgeBaseID.Valid {
		item.KnowledgeBaseID = &knowledgeBaseID.String
	}
	if len(chatFlow) > 0 {
		item.ChatFlow = json.RawMessage(chatFlow)
	}
	return item, nil
}

func (s *PostgresStore) ListForms(ctx context.Context, userID string) ([]Form, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+formColumns+`
		FROM forms
		WHERE user_id=$1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	defer rows.Close()

	items := make([]Form, 0)
	for rows.Next() {
		item, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forms: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAllForms(ctx context.Context) ([]Form, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+formColumns+` FROM forms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all forms: %w", err)
	}
	defer rows.Close()

	items := make([]Form, 0)
	for rows.Next() {
		item, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountForms(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forms WHERE user_id=$1`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count forms: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetForm(ctx context.Context, formID string) (Form, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE id=$1`, formID)
	return scanForm(row)
}

func (s *PostgresStore) GetFormByShareHandle(ctx context.Context, handle string) (Form, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE share_handle=$1`, handle)
	return scanForm(row)
}

func (s *PostgresStore) InsertForm(ctx context.Context, item Form) error {
	fields, err := json.Marshal(nonNilFields(item.Fields))
	if err != nil {
		return fmt.Errorf("encode form fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO forms (id, user_id, name, description, fields, is_public, share_handle, knowledge_base_id, chat_flow)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.UserID, item.Name, item.Description, fields, item.IsPublic, item.ShareHandle, item.KnowledgeBaseID, nullableJSON(item.ChatFlow))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert form: %w", err)
	}
	return nil
}

// UpdateForm replaces the form's mutable columns, including the whole field
// array, and returns the stored row.
func (s *PostgresStore) UpdateForm(ctx context.Context, item Form) (Form, error) {
	fields, err := json.Marshal(nonNilFields(item.Fields))
	if err != nil {
		return Form{}, fmt.Errorf("encode form fields: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE forms
		SET name=$2, description=$3, fields=$4, is_public=$5, knowledge_base_id=$6, chat_flow=$7, updated_at=NOW()
		WHERE id=$1
		RETURNING `+formColumns,
		item.ID, item.Name, item.Description, fields, item.IsPublic, item.KnowledgeBaseID, nullableJSON(item.ChatFlow))
	return scanForm(row)
}

func (s *PostgresStore) DeleteForm(ctx context.Context, formID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM forms WHERE id=$1`, formID)
	if err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nonNilFields(fields []Field) []Field {
	if fields == nil {
		return []Field{}
	}
	return fields
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// =============================================================================
// Submissions
// =============================================================================

const submissionColumns = `id, form_id, data, submitted_at, submitter_ip, submission_type, chat_interactions, message_count, completion_seconds`

func scanSubmission(row interface{ Scan(...any) error }) (Submission, error) {
	var item Submission
	var data []byte
	var kind string
	err := row.Scan(
		&item.ID,
		&item.FormID,
		&data,
		&item.SubmittedAt,
		&item.SubmitterIP,
		&kind,
		&item.ChatInteractions,
		&item.MessageCount,
		&item.CompletionSeconds,
	)
	if err != nil {
		return Submission{}, err
	}
	item.Type = SubmissionType(kind)
	if err := json.Unmarshal(data, &item.Values); err != nil {
		return Submission{}, fmt.Errorf("decode submission data: %w", err)
	}
	if item.Values == nil {
		item.Values = map[string]any{}
	}
	return item, nil
}

func (s *PostgresStore) InsertSubmission(ctx context.Context, item Submission) (Submission, error) {
	data, err := json.Marshal(item.Values)
	if err != nil {
		return Submission{}, fmt.Errorf("encode submission data: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO form_submissions (id, form_id, data, submitter_ip, submission_type, chat_interactions, message_count, completion_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+submissionColumns,
		item.ID, item.FormID, data, item.SubmitterIP, string(item.Type), item.ChatInteractions, item.MessageCount, item.CompletionSeconds)
	return scanSubmission(row)
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, formID string, limit, offset int) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM form_submissions
		WHERE form_id=$1
		ORDER BY submitted_at DESC, id
		LIMIT $2 OFFSET $3
	`, formID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func (s *PostgresStore) ListAllSubmissions(ctx context.Context, formID string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM form_submissions
		WHERE form_id=$1
		ORDER BY submitted_at
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list all submissions: %w", err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func collectSubmissions(rows *sql.Rows) ([]Submission, error) {
	items := make([]Submission, 0)
	for rows.Next() {
		item, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountSubmissions(ctx context.Context, formID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM form_submissions WHERE form_id=$1`, formID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DeleteSubmission(ctx context.Context, formID, submissionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM form_submissions WHERE form_id=$1 AND id=$2`, formID, submissionID)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =============================================================================
// Chat sessions
// =============================================================================

func (s *PostgresStore) GetChatSession(ctx context.Context, sessionID string) (ChatSession, error) {
	var item ChatSession
	var contextJSON, transcriptJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, form_id, field_id, conversation_context, full_transcript, is_active, message_count, created_at, updated_at
		FROM chat_sessions
		WHERE id=$1
	`, sessionID).Scan(
		&item.ID,
		&item.FormID,
		&item.FieldID,
		&contextJSON,
		&transcriptJSON,
		&item.IsActive,
		&item.MessageCount,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return ChatSession{}, err
	}
	if err := json.Unmarshal(contextJSON, &item.Context); err != nil {
		return ChatSession{}, fmt.Errorf("decode conversation context: %w", err)
	}
	if err := json.Unmarshal(transcriptJSON, &item.Transcript); err != nil {
		return ChatSession{}, fmt.Errorf("decode transcript: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertChatSession(ctx context.Context, item ChatSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, form_id, field_id, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.FormID, item.FieldID, item.IsActive)
	if err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveChatTranscript(ctx context.Context, sessionID string, conversation, transcript []ChatMessage) error {
	contextJSON, err := json.Marshal(nonNilMessages(conversation))
	if err != nil {
		return fmt.Errorf("encode conversation context: %w", err)
	}
	transcriptJSON, err := json.Marshal(nonNilMessages(transcript))
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET conversation_context=$2, full_transcript=$3, message_count=$4, updated_at=NOW()
		WHERE id=$1
	`, sessionID, contextJSON, transcriptJSON, len(transcript))
	if err != nil {
		return fmt.Errorf("save chat transcript: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CloseChatSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET is_active=FALSE, updated_at=NOW() WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("close chat session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM chat_messages
		WHERE session_id=$1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Role, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertChatMessages(ctx context.Context, sessionID string, messages []ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert chat messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, message := range messages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, message.ID, sessionID, message.Role, message.Content, message.CreatedAt); err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chat messages: %w", err)
	}
	return nil
}

func nonNilMessages(messages []ChatMessage) []ChatMessage {
	if messages == nil {
		return []ChatMessage{}
	}
	return messages
}

// =============================================================================
// Knowledge bases
// =============================================================================

func (s *PostgresStore) ListKnowledgeBases(ctx context.Context, userID string) ([]KnowledgeBase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, file_name, size_bytes, token_estimate, created_at
		FROM knowledge_bases
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge bases: %w", err)
	}
	defer rows.Close()

	items := make([]KnowledgeBase, 0)
	for rows.Next() {
		var item KnowledgeBase
		if err := rows.Scan(&item.ID, &item.UserID, &item.Name, &item.FileName, &item.SizeBytes, &item.TokenEstimate, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge base: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge bases: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetKnowledgeBase(ctx context.Context, id string) (KnowledgeBase, error) {
	var item KnowledgeBase
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, file_name, size_bytes, token_estimate, content, created_at
		FROM knowledge_bases
		WHERE id=$1
	`, id).Scan(&item.ID, &item.UserID, &item.Name, &item.FileName, &item.SizeBytes, &item.TokenEstimate, &item.Content, &item.CreatedAt)
	if err != nil {
		return KnowledgeBase{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertKnowledgeBase(ctx context.Context, item KnowledgeBase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (id, user_id, name, file_name, size_bytes, token_estimate, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.UserID, item.Name, item.FileName, item.SizeBytes, item.TokenEstimate, item.Content)
	if err != nil {
		return fmt.Errorf("insert knowledge base: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteKnowledgeBase(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE user_id=$1 AND id=$2`, userID, id)
	if err != nil {
		return fmt.Errorf("delete knowledge base: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =============================================================================
// Calendar integrations
// =============================================================================

func (s *PostgresStore) UpsertCalendarIntegration(ctx context.Context, item CalendarIntegration) (CalendarIntegration, error) {
	var out CalendarIntegration
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO calendar_integrations (id, user_id, provider, access_token, refresh_token, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (user_id, provider) DO UPDATE
		SET access_token=EXCLUDED.access_token,
			refresh_token=CASE WHEN EXCLUDED.refresh_token = '' THEN calendar_integrations.refresh_token ELSE EXCLUDED.refresh_token END,
			expires_at=EXCLUDED.expires_at,
			is_active=TRUE,
			updated_at=NOW()
		RETURNING id, user_id, provider, expires_at, is_active, created_at, updated_at
	`, item.ID, item.UserID, item.Provider, item.AccessToken, item.RefreshToken, item.ExpiresAt).Scan(
		&out.ID, &out.UserID, &out.Provider, &expires, &out.IsActive, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return CalendarIntegration{}, fmt.Errorf("upsert calendar integration: %w", err)
	}
	if expires.Valid {
		out.ExpiresAt = &expires.Time
	}
	return out, nil
}

func (s *PostgresStore) ListCalendarIntegrations(ctx context.Context, userID string) ([]CalendarIntegration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider, expires_at, is_active, created_at, updated_at
		FROM calendar_integrations
		WHERE user_id=$1
		ORDER BY provider
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendar integrations: %w", err)
	}
	defer rows.Close()

	items := make([]CalendarIntegration, 0)
	for rows.Next() {
		var item CalendarIntegration
		var expires sql.NullTime
		if err := rows.Scan(&item.ID, &item.UserID, &item.Provider, &expires, &item.IsActive, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan calendar integration: %w", err)
		}
		if expires.Valid {
			item.ExpiresAt = &expires.Time
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calendar integrations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeactivateCalendarIntegration(ctx context.Context, userID, provider string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE calendar_integrations
		SET is_active=FALSE, access_token='', refresh_token='', updated_at=NOW()
		WHERE user_id=$1 AND provider=$2
	`, userID, provider)
	if err != nil {
		return fmt.Errorf("deactivate calendar integration: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
