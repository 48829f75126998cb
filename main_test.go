package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestThreadContextFrom(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/threads", "default"},
		{"/threads/abc123", "abc123"},
		{"/threads/abc123/posts", "abc123"},
		{"/other", "default"},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodPost, c.path, nil)
		if got := threadContextFrom(r); got != c.want {
			t.Errorf("threadContextFrom(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestRouteThreads_Dispatch(t *testing.T) {
	forum := NewForum()
	forum.createThread("t1", "existing", "agent-1")

	handler := routeThreads(forum)

	rr := httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodGet, "/threads", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /threads: expected 200, got %d", rr.Code)
	}

	rr2 := httptest.NewRecorder()
	handler(rr2, httptest.NewRequest(http.MethodGet, "/threads/t1/posts", nil))
	if rr2.Code != http.StatusOK {
		t.Fatalf("GET /threads/t1/posts: expected 200, got %d", rr2.Code)
	}

	rr3 := httptest.NewRecorder()
	handler(rr3, httptest.NewRequest(http.MethodGet, "/threads/missing/posts", nil))
	if rr3.Code != http.StatusNotFound {
		t.Fatalf("GET /threads/missing/posts: expected 404, got %d", rr3.Code)
	}
}

func TestRouteThreads_ReadsBypassAdmissionWrap(t *testing.T) {
	forum := NewForum()
	forum.createThread("t1", "existing", "agent-1")

	admission, err := NewAdmission(AdmissionConfig{Secret: "s", Wallet: NewStubWallet()})
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}
	writeRoute := RouteConfig{
		AgentFrom:   HeaderExtractor("X-Agent-Id", "anonymous"),
		ContextFrom: threadContextFrom,
		Description: "forum write",
	}
	handler := admission.Wrap(writeRoute, routeThreads(forum))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/threads", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /threads through admission.Wrap: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/threads/t1/posts", nil))
	if rr2.Code != http.StatusOK {
		t.Fatalf("GET /threads/t1/posts through admission.Wrap: expected 200, got %d: %s", rr2.Code, rr2.Body.String())
	}

	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, httptest.NewRequest(http.MethodPost, "/threads", strings.NewReader(`{"title":"new"}`)))
	if rr3.Code != http.StatusPaymentRequired {
		t.Fatalf("POST /threads through admission.Wrap: expected 402 without payment, got %d", rr3.Code)
	}
}

func TestTrustResolverFromAdmission(t *testing.T) {
	admission, err := NewAdmission(AdmissionConfig{
		Secret: "s",
		Wallet: NewStubWallet(),
		Trust:  NewStaticResolver(nil),
	})
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}
	resolver, ok := trustResolverFromAdmission(admission)
	if !ok || resolver == nil {
		t.Fatalf("expected a configured trust resolver")
	}

	admissionNoTrust, err := NewAdmission(AdmissionConfig{Secret: "s", Wallet: NewStubWallet()})
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}
	if _, ok := trustResolverFromAdmission(admissionNoTrust); ok {
		t.Fatalf("expected no trust resolver when none configured")
	}
}
