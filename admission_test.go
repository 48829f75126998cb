package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestAdmission(t *testing.T) (*Admission, *StubWallet) {
	t.Helper()
	wallet := NewStubWallet()
	admission, err := NewAdmission(AdmissionConfig{
		Secret: "test-secret",
		Wallet: wallet,
	})
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}
	return admission, wallet
}

func TestNewAdmission_RequiresSecretAndWallet(t *testing.T) {
	if _, err := NewAdmission(AdmissionConfig{Wallet: NewStubWallet()}); err == nil {
		t.Fatal("expected error for missing secret")
	}
	if _, err := NewAdmission(AdmissionConfig{Secret: "s"}); err == nil {
		t.Fatal("expected error for missing wallet")
	}
}

func TestAdmission_EndToEnd(t *testing.T) {
	admission, wallet := newTestAdmission(t)

	var calls int
	handler := admission.Wrap(RouteConfig{Description: "thread post"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	// 1. Unauthenticated POST -> 402 with paymentHash, amountSats, macaroon.
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads", nil)
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	var challenge map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	paymentHash, _ := challenge["paymentHash"].(string)
	if paymentHash == "" {
		t.Fatal("expected paymentHash in challenge")
	}
	if amt, _ := challenge["amountSats"].(float64); amt != 1 {
		t.Fatalf("expected amountSats=1, got %v", challenge["amountSats"])
	}
	macB64, _ := challenge["macaroon"].(string)
	if macB64 == "" {
		t.Fatal("expected macaroon in challenge")
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}

	preimage, ok := wallet.StubPreimage(paymentHash)
	if !ok {
		t.Fatal("stub wallet did not record a preimage for its own invoice")
	}

	// 2. Retry with Authorization header -> handler invoked, toll committed.
	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/threads", nil)
	req2.Header.Set("Authorization", fmt.Sprintf("L402 %s:%s", macB64, preimage))
	handler.ServeHTTP(rr2, req2)

	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200 from downstream handler, got %d", rr2.Code)
	}
	if calls != 1 {
		t.Fatalf("expected downstream handler called once, got %d", calls)
	}
	if stats := admission.Pricing().Stats(); stats.TotalActions != 1 {
		t.Fatalf("expected one committed activity record, got %+v", stats)
	}

	// 3. Same credential retried again: spec does not mandate replay
	// detection, so this must still succeed.
	rr3 := httptest.NewRecorder()
	req3 := httptest.NewRequest(http.MethodPost, "/threads", nil)
	req3.Header.Set("Authorization", fmt.Sprintf("L402 %s:%s", macB64, preimage))
	handler.ServeHTTP(rr3, req3)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected replayed credential to still succeed, got %d", rr3.Code)
	}
	if calls != 2 {
		t.Fatalf("expected downstream handler called twice, got %d", calls)
	}

	// 4. A further unauthenticated POST now quotes a higher price.
	rr4 := httptest.NewRecorder()
	req4 := httptest.NewRequest(http.MethodPost, "/threads", nil)
	handler.ServeHTTP(rr4, req4)
	var challenge2 map[string]interface{}
	if err := json.Unmarshal(rr4.Body.Bytes(), &challenge2); err != nil {
		t.Fatalf("decode second challenge: %v", err)
	}
	if amt, _ := challenge2["amountSats"].(float64); amt < 2 {
		t.Fatalf("expected amountSats >= 2 after two commits, got %v", challenge2["amountSats"])
	}
}

func TestAdmission_MalformedAuthorization(t *testing.T) {
	admission, _ := newTestAdmission(t)
	handler := admission.Wrap(RouteConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("downstream handler should not run")
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads", nil)
	req.Header.Set("Authorization", "L402 nocolonhere")
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body["detail"] != errMalformedAuth.Error() {
		t.Fatalf("unexpected detail: %v", body["detail"])
	}
}

func TestAdmission_PreimageMismatch(t *testing.T) {
	admission, wallet := newTestAdmission(t)
	handler := admission.Wrap(RouteConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("downstream handler should not run")
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads", nil)
	handler.ServeHTTP(rr, req)

	var challenge map[string]interface{}
	json.Unmarshal(rr.Body.Bytes(), &challenge)
	macB64, _ := challenge["macaroon"].(string)
	paymentHash, _ := challenge["paymentHash"].(string)
	_ = wallet

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/threads", nil)
	req2.Header.Set("Authorization", fmt.Sprintf("L402 %s:%s", macB64, "0000000000000000000000000000000000000000000000000000000000000000"))
	handler.ServeHTTP(rr2, req2)

	if rr2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr2.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rr2.Body.Bytes(), &body)
	if body["detail"] != errPreimageMismatch.Error() {
		t.Fatalf("unexpected detail: %v", body["detail"])
	}
	_ = paymentHash
}

func TestAdmission_EndpointMismatch(t *testing.T) {
	admission, wallet := newTestAdmission(t)
	handler := admission.Wrap(RouteConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("downstream handler should not run")
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads", nil)
	handler.ServeHTTP(rr, req)

	var challenge map[string]interface{}
	json.Unmarshal(rr.Body.Bytes(), &challenge)
	macB64, _ := challenge["macaroon"].(string)
	paymentHash, _ := challenge["paymentHash"].(string)
	preimage, _ := wallet.StubPreimage(paymentHash)

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/threads/other", nil)
	req2.Header.Set("Authorization", fmt.Sprintf("L402 %s:%s", macB64, preimage))
	handler.ServeHTTP(rr2, req2)

	if rr2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr2.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rr2.Body.Bytes(), &body)
	if detail, _ := body["detail"].(string); detail == "" || detail[:17] != "Endpoint mismatch" {
		t.Fatalf("expected endpoint mismatch detail, got %v", body["detail"])
	}
}

func TestAdmission_FreeTierSkipsPayment(t *testing.T) {
	wallet := NewStubWallet()
	trust := NewStaticResolver(map[string]int{"vip": 90})
	admission, err := NewAdmission(AdmissionConfig{
		Secret: "s",
		Wallet: wallet,
		Trust:  trust,
	})
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}

	var calls int
	handler := admission.Wrap(RouteConfig{
		AgentFrom: HeaderExtractor("X-Agent-Id", "anonymous"),
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		info := TollFrom(r)
		if !info.Free {
			t.Fatal("expected toll info to mark request free")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads", nil)
	req.Header.Set("X-Agent-Id", "vip")
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected free pass to reach downstream handler, got %d", rr.Code)
	}
	if calls != 1 {
		t.Fatalf("expected downstream handler called once, got %d", calls)
	}
}

func TestAdmission_WalletMintFailureFailsOpen(t *testing.T) {
	admission, err := NewAdmission(AdmissionConfig{
		Secret: "s",
		Wallet: failingWallet{},
	})
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}

	var calls int
	handler := admission.Wrap(RouteConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		info := TollFrom(r)
		if info.Err == nil {
			t.Fatal("expected tollError to be annotated on fail-open")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads", nil)
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected fail-open to reach downstream handler, got %d", rr.Code)
	}
	if calls != 1 {
		t.Fatalf("expected downstream handler called once, got %d", calls)
	}
}

type failingWallet struct{}

func (failingWallet) CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error) {
	return Invoice{}, fmt.Errorf("wallet backend unreachable")
}
func (failingWallet) LookupInvoice(ctx context.Context, paymentHash string) (bool, error) {
	return false, fmt.Errorf("wallet backend unreachable")
}
func (failingWallet) VerifyPreimage(ctx context.Context, paymentHash, preimage string) (bool, error) {
	return false, fmt.Errorf("wallet backend unreachable")
}
