package app

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"formcraft/api/internal/gemini"
	"formcraft/api/internal/store"
)

type stubCompleter struct {
	requests []gemini.Request
	answer   string
}

func (c *stubCompleter) Complete(_ context.Context, req gemini.Request) (string, error) {
	c.requests = append(c.requests, req)
	return c.answer, nil
}

func TestFormRoutesLifecycle(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := seedUser(t, svc, fs, "usr_owner", "hobby")
	other := seedUser(t, svc, fs, "usr_other", "hobby")
	h := NewHTTPServer(svc, "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/forms", owner.Token,
		`{"name":"Contact","isPublic":true,"fields":[{"id":"name","type":"text","label":"Name","required":true}]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	created := decodeMap(t, rr)
	formID, _ := created["id"].(string)
	handle, _ := created["shareHandle"].(string)
	if formID == "" || handle == "" {
		t.Fatalf("expected id and share handle, got %v", created)
	}

	rr = doJSON(t, h, http.MethodGet, "/api/forms", owner.Token, "")
	forms, _ := decodeMap(t, rr)["forms"].([]any)
	if len(forms) != 1 {
		t.Fatalf("expected one form, got %s", rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodGet, "/api/forms/"+formID, other.Token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("other user: expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPut, "/api/forms/"+formID, owner.Token,
		`{"name":"Contact us","isPublic":true,"fields":[{"id":"name","type":"text","label":"Full name","required":true}]}`)
	if rr.Code != http.StatusOK || decodeMap(t, rr)["name"] != "Contact us" {
		t.Fatalf("update: got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodGet, "/api/public/forms/"+handle, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("public form: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/api/public/forms/"+handle+"/submissions", "", `{"values":{}}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing required: expected 422, got %d", rr.Code)
	}
	details, _ := decodeMap(t, rr)["details"].([]any)
	if len(details) != 1 {
		t.Fatalf("expected one field error, got %s", rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/api/public/forms/"+handle+"/submissions", "", `{"values":{"name":"Robin, \"R\""}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	subID, _ := decodeMap(t, rr)["id"].(string)
	if subs := fs.submissions[formID]; len(subs) != 1 || subs[0].SubmitterIP != "192.0.2.1" {
		t.Fatalf("expected stored submission with remote ip, got %+v", subs)
	}

	rr = doJSON(t, h, http.MethodGet, "/api/forms/"+formID+"/submissions?page=1&pageSize=10", owner.Token, "")
	page := decodeMap(t, rr)
	if page["total"] != float64(1) || page["pageSize"] != float64(10) {
		t.Fatalf("unexpected page %v", page)
	}

	rr = doJSON(t, h, http.MethodGet, "/api/forms/"+formID+"/export?format=csv", owner.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected csv content type, got %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "Contact-us-submissions.csv") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if !strings.Contains(rr.Body.String(), `"Robin, ""R"""`) {
		t.Fatalf("expected quoted csv cell, got %s", rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodGet, "/api/forms/"+formID+"/analytics?granularity=day", owner.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("analytics: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodDelete, "/api/forms/"+formID+"/submissions/"+subID, owner.Token, "")
	if rr.Code != http.StatusOK || len(fs.submissions[formID]) != 0 {
		t.Fatalf("delete submission: got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodDelete, "/api/forms/"+formID, owner.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete form: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodGet, "/api/public/forms/"+handle, "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("deleted form should be gone, got %d", rr.Code)
	}
}

func TestExportRouteReturnsLinkWhenStorageConfigured(t *testing.T) {
	fs := newFakeStore()
	uploads := &fakeUploads{}
	svc := newTestService(fs, WithExportStorage(uploads))
	session := seedUser(t, svc, fs, "usr_1", "hobby")
	fs.forms["frm_1"] = store.Form{ID: "frm_1", UserID: "usr_1", Name: "Leads"}
	h := NewHTTPServer(svc, "*").Handler()

	rr := doJSON(t, h, http.MethodGet, "/api/forms/frm_1/export?format=json", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if payload["url"] == "" || payload["filename"] != "Leads-submissions.json" || payload["expiresInSeconds"] != float64(900) {
		t.Fatalf("unexpected link payload %v", payload)
	}
}

func TestPublicChatRequiresChatPlan(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	seedUser(t, svc, fs, "usr_1", "hobby")
	fs.forms["frm_1"] = store.Form{
		ID:          "frm_1",
		UserID:      "usr_1",
		ShareHandle: "chat-abc",
		IsPublic:    true,
		Fields:      []store.Field{{ID: "assistant", Type: store.FieldChat, Label: "Ask"}},
	}
	h := NewHTTPServer(svc, "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/public/forms/chat-abc/chat", "", `{"fieldId":"assistant","message":"hello"}`)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/api/public/forms/chat-abc/chat", "", `{"fieldId":"missing","message":"hello"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown field: expected 404, got %d", rr.Code)
	}
}

func TestPublicChatWithoutCompleterIsUnavailable(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	seedUser(t, svc, fs, "usr_1", "pro")
	fs.kbs["kb_1"] = store.KnowledgeBase{ID: "kb_1", UserID: "usr_1", Content: "Opening hours are 9 to 5."}
	kbID := "kb_1"
	fs.forms["frm_1"] = store.Form{
		ID:              "frm_1",
		UserID:          "usr_1",
		ShareHandle:     "chat-abc",
		IsPublic:        true,
		KnowledgeBaseID: &kbID,
		Fields:          []store.Field{{ID: "assistant", Type: store.FieldChat, Label: "Ask", Chat: &store.ChatFieldConfig{SystemPrompt: "Be brief"}}},
	}
	h := NewHTTPServer(svc, "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/public/forms/chat-abc/chat", "", `{"fieldId":"assistant","message":"When are you open?"}`)
	if rr.Code != http.StatusServiceUnavailable || decodeMap(t, rr)["code"] != "CHAT_UNAVAILABLE" {
		t.Fatalf("expected 503 CHAT_UNAVAILABLE, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestPublicChatStoresTurnWithKnowledgeBase(t *testing.T) {
	fs := newFakeStore()
	completer := &stubCompleter{answer: "We are open from nine to five."}
	svc := newTestService(fs, WithCompleter(completer))
	seedUser(t, svc, fs, "usr_1", "pro")
	fs.kbs["kb_1"] = store.KnowledgeBase{ID: "kb_1", UserID: "usr_1", Content: "Opening hours are 9 to 5."}
	kbID := "kb_1"
	fs.forms["frm_1"] = store.Form{
		ID:              "frm_1",
		UserID:          "usr_1",
		ShareHandle:     "chat-abc",
		IsPublic:        true,
		KnowledgeBaseID: &kbID,
		Fields: []store.Field{{
			ID:    "assistant",
			Type:  store.FieldChat,
			Label: "Ask",
			Chat:  &store.ChatFieldConfig{SystemPrompt: "Be brief", Greeting: "Hello!"},
		}},
	}
	h := NewHTTPServer(svc, "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/public/forms/chat-abc/chat", "", `{"fieldId":"assistant","message":"When are you open?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	reply := decodeMap(t, rr)
	sessionID, _ := reply["sessionId"].(string)
	if sessionID == "" || reply["saved"] != true {
		t.Fatalf("unexpected reply %v", reply)
	}
	transcript, _ := reply["transcript"].([]any)
	if len(transcript) != 3 {
		t.Fatalf("expected greeting, question and answer, got %d", len(transcript))
	}
	if len(completer.requests) != 1 || !strings.Contains(completer.requests[0].System, "Opening hours are 9 to 5.") {
		t.Fatalf("knowledge base should reach the system prompt, got %+v", completer.requests)
	}
	if _, ok := fs.chatSessions[sessionID]; !ok {
		t.Fatal("expected chat session stored")
	}
}

func TestAccountRoutes(t *testing.T) {
	fs := newFakeStore()
	idx := &fakeSearch{}
	svc := newTestService(fs)
	svc.search = idx
	session := seedUser(t, svc, fs, "usr_1", "pro")
	h := NewHTTPServer(svc, "*").Handler()

	rr := doJSON(t, h, http.MethodGet, "/api/subscription", session.Token, "")
	sub := decodeMap(t, rr)
	if sub["plan"] != "pro" || sub["formLimit"] != float64(50) {
		t.Fatalf("unexpected subscription %v", sub)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/knowledge-bases", session.Token, `{"name":"FAQ","fileName":"faq.md","content":"We open at nine."}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("kb create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	kbID, _ := decodeMap(t, rr)["id"].(string)
	if strings.Contains(rr.Body.String(), "We open at nine.") {
		t.Fatal("knowledge base content must not be echoed")
	}
	rr = doJSON(t, h, http.MethodDelete, "/api/knowledge-bases/"+kbID, session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("kb delete: expected 200, got %d", rr.Code)
	}

	expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rr = doJSON(t, h, http.MethodPost, "/api/calendar-integrations", session.Token, `{"provider":"outlook","accessToken":"tok"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown provider: expected 422, got %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodPost, "/api/calendar-integrations", session.Token, `{"provider":"google","accessToken":"tok","expiresAt":"`+expires+`"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("connect: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "tok") {
		t.Fatal("access token must not be echoed")
	}
	rr = doJSON(t, h, http.MethodGet, "/api/calendar-integrations", session.Token, "")
	items, _ := decodeMap(t, rr)["integrations"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one integration, got %s", rr.Body.String())
	}
	rr = doJSON(t, h, http.MethodDelete, "/api/calendar-integrations/google", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("disconnect: expected 200, got %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/api/search?q=leads&type=submission&formId=frm_9&limit=5", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d", rr.Code)
	}
	if idx.lastQuery.FormID != "frm_9" || idx.lastQuery.Limit != 5 || idx.lastQuery.UserID != "usr_1" {
		t.Fatalf("unexpected search query %+v", idx.lastQuery)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	session := seedUser(t, svc, fs, "usr_1", "hobby")

	rr := doJSON(t, NewHTTPServer(svc, "*").Handler(), http.MethodGet, "/api/nope", session.Token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
