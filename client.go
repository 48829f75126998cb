package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PayInvoiceFunc pays a bolt11 invoice and returns the settlement preimage
// in hex. Callers plug in whatever wallet they actually hold funds in; this
// package never touches a real wallet on the client side.
type PayInvoiceFunc func(ctx context.Context, invoice string) (preimage string, err error)

// Client wraps an http.Client with automatic L402 challenge handling: on a
// 402 response it pays the invoice via Pay and retries once with the
// resulting Authorization header, mirroring how the admission middleware's
// own stub wallet is driven in tests but for real callers.
type Client struct {
	HTTPClient *http.Client
	Pay        PayInvoiceFunc
}

// NewClient constructs a Client. httpClient may be nil to use
// http.DefaultClient.
func NewClient(httpClient *http.Client, pay PayInvoiceFunc) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTPClient: httpClient, Pay: pay}
}

// challengeBody is the subset of the 402 JSON body a client needs to pay
// and retry (spec §6).
type challengeBody struct {
	PaymentHash string `json:"paymentHash"`
	Invoice     string `json:"invoice"`
	Macaroon    string `json:"macaroon"`
	AmountSats  int64  `json:"amountSats"`
}

// Do sends req. If the server responds 402, it pays the invoice via
// Pay and retries the original request once with the L402 Authorization
// header attached. req.Body, if non-nil, must support being read twice
// (use a bytes.Reader or similar), since a challenge retry resends it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("l402 client: read request body: %w", err)
		}
		bodyBytes = b
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("l402 client: read challenge body: %w", err)
	}
	var challenge challengeBody
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, fmt.Errorf("l402 client: decode challenge: %w", err)
	}
	if challenge.Invoice == "" || challenge.Macaroon == "" {
		return nil, fmt.Errorf("l402 client: challenge missing invoice or macaroon")
	}

	if c.Pay == nil {
		return nil, fmt.Errorf("l402 client: no PayInvoiceFunc configured")
	}
	preimage, err := c.Pay(req.Context(), challenge.Invoice)
	if err != nil {
		return nil, fmt.Errorf("l402 client: pay invoice: %w", err)
	}

	retry := req.Clone(req.Context())
	if bodyBytes != nil {
		retry.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	retry.Header.Set("Authorization", fmt.Sprintf("L402 %s:%s", challenge.Macaroon, preimage))

	return c.HTTPClient.Do(retry)
}
