package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"formcraft/api/internal/auth"
	"formcraft/api/internal/calendar"
	"formcraft/api/internal/objectstore"
	"formcraft/api/internal/util"
)

const maxBodyBytes = 2 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}
	isGet := r.Method == http.MethodGet || r.Method == http.MethodHead

	if isGet && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if isGet && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost {
		switch r.URL.Path {
		case "/api/auth/signup":
			s.handleAuthSignUp(w, r)
			return
		case "/api/auth/signin":
			s.handleAuthSignIn(w, r)
			return
		case "/api/auth/verify-email":
			s.handleAuthVerifyEmail(w, r)
			return
		case "/api/auth/reset-password/request":
			s.handleAuthRequestReset(w, r)
			return
		case "/api/auth/reset-password":
			s.handleAuthResetPassword(w, r)
			return
		case "/api/session/refresh":
			s.handleSessionRefresh(w, r)
			return
		case "/api/session/logout":
			s.handleSessionLogout(w, r)
			return
		}
	}

	if isGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": userPayload(session)})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "public" && parts[2] == "forms" {
		s.handlePublicForms(w, r, parts[3], parts[4:])
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "forms":
			if len(parts) == 2 {
				s.handleFormCollection(w, r, session)
				return
			}
			s.handleForm(w, r, session, parts[2], parts[3:])
			return
		case "knowledge-bases":
			s.handleKnowledgeBases(w, r, session, parts[2:])
			return
		case "calendar-integrations":
			s.handleCalendarIntegrations(w, r, session, parts[2:])
			return
		case "subscription":
			if isGet && len(parts) == 2 {
				payload, err := s.service.Subscription(r.Context(), session)
				respond(w, http.StatusOK, payload, err)
				return
			}
		case "search":
			if isGet && len(parts) == 2 {
				s.handleSearch(w, r, session)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrRevokedToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.RandomHex(8)
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("app: unhandled error: %v", err)
	}
	writeError(w, status, code, message, details)
}

// respond writes payload with status, or the mapped error when err is set.
func respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func userPayload(session Session) map[string]any {
	return map[string]any{
		"id":          session.UserID,
		"email":       session.Email,
		"displayName": session.DisplayName,
		"plan":        session.Plan,
	}
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.Unix(),
		"user":         userPayload(session),
	}
}

// =============================================================================
// Auth and session handlers
// =============================================================================

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	respond(w, http.StatusCreated, result, err)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	err := s.service.VerifyEmail(r.Context(), body.Token)
	respond(w, http.StatusOK, map[string]string{"message": "Email verified successfully"}, err)
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, err := s.service.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		log.Printf("auth: password reset request: %v", err)
	}
	response := map[string]any{
		"message": "If an account exists, a reset email has been sent",
	}
	if token != "" {
		response["devResetToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword)
	respond(w, http.StatusOK, map[string]string{"message": "Password reset successfully"}, err)
}

func (s *HTTPServer) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		if isNotFound(err) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			session = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// =============================================================================
// Resource handlers
// =============================================================================

func (s *HTTPServer) handlePublicForms(w http.ResponseWriter, r *http.Request, handle string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		form, err := s.service.PublicForm(r.Context(), handle)
		respond(w, http.StatusOK, form, err)

	case len(rest) == 1 && rest[0] == "submissions" && r.Method == http.MethodPost:
		var body SubmissionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sub, err := s.service.SubmitPublic(r.Context(), handle, body, clientIP(r))
		respond(w, http.StatusCreated, map[string]any{"id": sub.ID, "type": sub.Type, "submittedAt": sub.SubmittedAt}, err)

	case len(rest) == 1 && rest[0] == "chat" && r.Method == http.MethodPost:
		var body struct {
			FieldID   string `json:"fieldId"`
			SessionID string `json:"sessionId"`
			Message   string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		reply, err := s.service.PublicChat(r.Context(), handle, body.FieldID, body.SessionID, body.Message)
		respond(w, http.StatusOK, reply, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleFormCollection(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.service.ListForms(r.Context(), session)
		respond(w, http.StatusOK, map[string]any{"forms": items}, err)
	case http.MethodPost:
		var body FormInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		form, err := s.service.CreateForm(r.Context(), session, body)
		respond(w, http.StatusCreated, form, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleForm(w http.ResponseWriter, r *http.Request, session Session, formID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			form, err := s.service.GetForm(ctx, session, formID)
			respond(w, http.StatusOK, form, err)
		case http.MethodPut:
			var body FormInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			form, err := s.service.UpdateForm(ctx, session, formID, body)
			respond(w, http.StatusOK, form, err)
		case http.MethodDelete:
			err := s.service.DeleteForm(ctx, session, formID)
			respond(w, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case rest[0] == "revisions" && len(rest) == 1 && r.Method == http.MethodGet:
		items, err := s.service.FormRevisions(ctx, session, formID, queryInt(r, "limit", 50))
		respond(w, http.StatusOK, map[string]any{"revisions": items}, err)

	case rest[0] == "revisions" && len(rest) == 2 && r.Method == http.MethodGet:
		payload, err := s.service.FormRevision(ctx, session, formID, rest[1])
		respond(w, http.StatusOK, payload, err)

	case rest[0] == "submissions" && len(rest) == 1 && r.Method == http.MethodGet:
		page, err := s.service.ListSubmissions(ctx, session, formID, queryInt(r, "page", 1), queryInt(r, "pageSize", 0))
		respond(w, http.StatusOK, page, err)

	case rest[0] == "submissions" && len(rest) == 2 && r.Method == http.MethodDelete:
		err := s.service.DeleteSubmission(ctx, session, formID, rest[1])
		respond(w, http.StatusOK, map[string]any{"ok": true}, err)

	case rest[0] == "analytics" && len(rest) == 1 && r.Method == http.MethodGet:
		report, err := s.service.Analytics(ctx, session, formID, r.URL.Query().Get("granularity"))
		respond(w, http.StatusOK, report, err)

	case rest[0] == "export" && len(rest) == 1 && r.Method == http.MethodGet:
		out, err := s.service.Export(ctx, session, formID, r.URL.Query().Get("format"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if out.URL != "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"url":              out.URL,
				"filename":         out.Result.Filename,
				"expiresInSeconds": int(objectstore.LinkTTL.Seconds()),
			})
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+out.Result.Filename+"\"")
		w.Header().Set("Content-Type", out.Result.MimeType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.Result.Data)

	case rest[0] == "chat-sessions" && len(rest) == 2 && r.Method == http.MethodGet:
		payload, err := s.service.ChatSession(ctx, session, formID, rest[1])
		respond(w, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleKnowledgeBases(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListKnowledgeBases(r.Context(), session)
		respond(w, http.StatusOK, map[string]any{"knowledgeBases": items}, err)
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body KnowledgeBaseInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		kb, err := s.service.CreateKnowledgeBase(r.Context(), session, body)
		respond(w, http.StatusCreated, kb, err)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		err := s.service.DeleteKnowledgeBase(r.Context(), session, rest[0])
		respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCalendarIntegrations(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListCalendarIntegrations(r.Context(), session)
		respond(w, http.StatusOK, map[string]any{"integrations": items}, err)
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body calendar.ConnectRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.ConnectCalendar(r.Context(), session, body)
		respond(w, http.StatusCreated, item, err)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		err := s.service.DisconnectCalendar(r.Context(), session, rest[0])
		respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	resp := s.service.Search(r.Context(), session, searchQuery(
		query.Get("q"),
		query.Get("type"),
		query.Get("formId"),
		queryInt(r, "limit", 20),
		queryInt(r, "offset", 0),
	))
	writeJSON(w, http.StatusOK, resp)
}
