package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"formcraft/api/internal/auth"
)

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	fs := newFakeStore()
	h := NewHTTPServer(newTestService(fs), "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/auth/signup", "", `{"email":"Sam@Example.com","password":"long enough","displayName":"Sam"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	signUp := decodeMap(t, rr)
	verifyToken, _ := signUp["devVerificationToken"].(string)
	if verifyToken == "" {
		t.Fatalf("expected dev verification token without SMTP, got %v", signUp)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/auth/signup", "", `{"email":"sam@example.com","password":"long enough","displayName":"Sam"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate signup: expected 409, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/auth/signin", "", `{"email":"sam@example.com","password":"long enough"}`)
	if rr.Code != http.StatusForbidden || decodeMap(t, rr)["code"] != "EMAIL_NOT_VERIFIED" {
		t.Fatalf("unverified signin: expected 403 EMAIL_NOT_VERIFIED, got %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/api/auth/verify-email", "", `{"token":"`+verifyToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/api/auth/signin", "", `{"email":"sam@example.com","password":"wrong password"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: expected 401, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/auth/signin", "", `{"email":"sam@example.com","password":"long enough"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("signin: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	signIn := decodeMap(t, rr)
	accessToken, _ := signIn["accessToken"].(string)
	refreshToken, _ := signIn["refreshToken"].(string)
	if accessToken == "" || refreshToken == "" {
		t.Fatalf("expected tokens, got %v", signIn)
	}
	user, _ := signIn["user"].(map[string]any)
	if user["email"] != "sam@example.com" || user["plan"] != "hobby" {
		t.Fatalf("unexpected user payload %v", user)
	}

	rr = doJSON(t, h, http.MethodGet, "/api/session", accessToken, "")
	if decodeMap(t, rr)["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %s", rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+refreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rotated, _ := decodeMap(t, rr)["refreshToken"].(string)
	if rotated == "" || rotated == refreshToken {
		t.Fatalf("expected rotated refresh token")
	}

	rr = doJSON(t, h, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+refreshToken+`"}`)
	assertUnauthorizedCode(t, rr)

	rr = doJSON(t, h, http.MethodPost, "/api/session/logout", accessToken, `{"refreshToken":"`+rotated+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodGet, "/api/forms", accessToken, "")
	assertUnauthorizedCode(t, rr)
}

func TestPasswordResetRequestIncludesDevToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	seedUser(t, svc, fs, "usr_1", "hobby")
	h := NewHTTPServer(svc, "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/auth/reset-password/request", "", `{"email":"usr_1@example.com"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	token, _ := decodeMap(t, rr)["devResetToken"].(string)
	if token == "" {
		t.Fatal("expected devResetToken when SMTP is off")
	}

	rr = doJSON(t, h, http.MethodPost, "/api/auth/reset-password", "", `{"token":"`+token+`","newPassword":"another secret"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, h, http.MethodPost, "/api/auth/reset-password", "", `{"token":"`+token+`","newPassword":"another secret"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("reused token: expected 400, got %d", rr.Code)
	}
}

func TestSignInRejectsInvalidBody(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore()), "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/auth/signin", "", `{"email":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if decodeMap(t, rr)["code"] != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %s", rr.Body.String())
	}
}

func TestSessionWithoutBearerIsAnonymous(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore()), "*").Handler()

	rr := doJSON(t, h, http.MethodGet, "/api/session", "", "")
	if rr.Code != http.StatusOK || decodeMap(t, rr)["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore()), "*").Handler()

	rr := doJSON(t, h, http.MethodGet, "/api/forms", "", "")
	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithInvalidBearerReturnsUnauthorized(t *testing.T) {
	h := NewHTTPServer(newTestService(newFakeStore()), "*").Handler()

	rr := doJSON(t, h, http.MethodGet, "/api/forms", "invalid-token", "")
	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	seedUser(t, svc, fs, "usr_1", "hobby")

	claims := auth.NewClaims("usr_1", "usr_1@example.com", "hobby", time.Now().Add(-2*time.Hour), time.Hour)
	token, err := auth.IssueToken([]byte(svc.cfg.JWTSecret), claims)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rr := doJSON(t, NewHTTPServer(svc, "*").Handler(), http.MethodGet, "/api/forms", token, "")
	assertUnauthorizedCode(t, rr)
}

func assertUnauthorizedCode(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
	}
}
