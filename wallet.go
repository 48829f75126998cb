package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ImVexed/fasturl"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/gjson"
)

// Invoice is what a Wallet hands back for a freshly minted payment request
// (spec §4.3).
type Invoice struct {
	PaymentRequest string // bolt11
	PaymentHash    string
}

// Wallet is the adapter boundary between the admission middleware and
// whatever Lightning node or service actually issues and settles invoices
// (spec §4.3, component C).
type Wallet interface {
	// CreateInvoice mints a new invoice for amountSats, tagged with memo.
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error)
	// LookupInvoice reports whether paymentHash has been settled.
	LookupInvoice(ctx context.Context, paymentHash string) (paid bool, err error)
	// VerifyPreimage checks SHA256(preimage) == paymentHash AND that the
	// payment has actually settled.
	VerifyPreimage(ctx context.Context, paymentHash, preimage string) (bool, error)
}

// verifyPreimageHash is the pure check half of VerifyPreimage, shared by
// every Wallet implementation: SHA256(preimage) must equal paymentHash
// hex-for-hex (spec §4.3 "proof of payment").
func verifyPreimageHash(paymentHash, preimage string) bool {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(raw)
	return constantTimeEqual(hex.EncodeToString(sum[:]), strings.ToLower(paymentHash))
}

// lnbitsEndpoint is one candidate LNbits base URL to try, with an optional
// Host/SNI override for IP-address fallbacks behind a TLS cert issued for a
// DNS name.
type lnbitsEndpoint struct {
	baseURL       string
	hostOverride  string
	tlsServerName string
}

// LNbitsWallet mints and verifies invoices against a self-hosted LNbits
// instance, with best-effort fallback base URLs on transient errors.
type LNbitsWallet struct {
	primaryURL   string
	fallbackURLs []string
	apiKey       string

	// paymentHash -> cached paid status, avoids re-querying LNbits for a
	// hash this process has already confirmed settled.
	paidCache *xsync.MapOf[string, bool]
}

// NewLNbitsWallet validates baseURL and constructs a wallet backed by it.
// fallbackURLs are only consulted on transient (429/5xx/network) errors.
func NewLNbitsWallet(baseURL, apiKey string, fallbackURLs []string) (*LNbitsWallet, error) {
	if _, err := fasturl.ParseURL(baseURL); err != nil {
		return nil, newAdmitError("invalid LNBITS_URL %q: %v", baseURL, err)
	}
	if apiKey == "" {
		return nil, newAdmitError("LNBITS_KEY must not be empty")
	}
	for _, fb := range fallbackURLs {
		if fb == "" {
			continue
		}
		if _, err := fasturl.ParseURL(fb); err != nil {
			return nil, newAdmitError("invalid LNBITS_FALLBACK_URLS entry %q: %v", fb, err)
		}
	}
	return &LNbitsWallet{
		primaryURL:   baseURL,
		fallbackURLs: fallbackURLs,
		apiKey:       apiKey,
		paidCache:    xsync.NewMapOf[string, bool](),
	}, nil
}

func (w *LNbitsWallet) endpoints() []lnbitsEndpoint {
	primary := strings.TrimSpace(w.primaryURL)
	primaryURL, err := url.Parse(primary)
	if err != nil || primaryURL.Hostname() == "" {
		return []lnbitsEndpoint{{baseURL: primary}}
	}

	primaryHost := primaryURL.Hostname()
	primaryHostIsIP := net.ParseIP(primaryHost) != nil

	out := make([]lnbitsEndpoint, 0, 1+len(w.fallbackURLs))
	out = append(out, lnbitsEndpoint{baseURL: primary})

	for _, raw := range w.fallbackURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == primary {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			out = append(out, lnbitsEndpoint{baseURL: raw})
			continue
		}
		fallbackHostIsIP := net.ParseIP(u.Hostname()) != nil
		ep := lnbitsEndpoint{baseURL: raw}
		if !primaryHostIsIP && fallbackHostIsIP && strings.EqualFold(u.Scheme, "https") {
			ep.hostOverride = primaryHost
			ep.tlsServerName = primaryHost
		}
		out = append(out, ep)
	}
	return out
}

func newLNbitsHTTPClient(tlsServerName string) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if tlsServerName != "" {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		} else {
			tr.TLSClientConfig = tr.TLSClientConfig.Clone()
		}
		tr.TLSClientConfig.ServerName = tlsServerName
	}
	return &http.Client{Timeout: 10 * time.Second, Transport: tr}
}

func isTransientLNbitsStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// CreateInvoice mints a bolt11 invoice via LNbits' POST /api/v1/payments.
func (w *LNbitsWallet) CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"out":    false,
		"amount": amountSats,
		"memo":   memo,
	})
	if err != nil {
		return Invoice{}, err
	}

	var lastErr error
	for _, ep := range w.endpoints() {
		u := fmt.Sprintf("%s/api/v1/payments", strings.TrimRight(ep.baseURL, "/"))
		client := newLNbitsHTTPClient(ep.tlsServerName)

		for attempt := 0; attempt < 2; attempt++ {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
			if err != nil {
				lastErr = err
				break
			}
			if ep.hostOverride != "" {
				req.Host = ep.hostOverride
			}
			req.Header.Set("X-Api-Key", w.apiKey)
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				lastErr = err
				if attempt == 0 {
					time.Sleep(250 * time.Millisecond)
					continue
				}
				break
			}

			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return Invoice{}, fmt.Errorf("lnbits wallet: returned %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
				lastErr = fmt.Errorf("lnbits wallet: returned %d", resp.StatusCode)
				if isTransientLNbitsStatus(resp.StatusCode) && attempt == 0 {
					time.Sleep(250 * time.Millisecond)
					continue
				}
				break
			}

			invoice := gjson.GetBytes(body, "payment_request").String()
			hash := gjson.GetBytes(body, "payment_hash").String()
			if invoice == "" || hash == "" {
				lastErr = fmt.Errorf("lnbits wallet: missing payment_request or payment_hash in response")
				break
			}
			return Invoice{PaymentRequest: invoice, PaymentHash: hash}, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("lnbits wallet: failed to create invoice")
	}
	return Invoice{}, lastErr
}

// LookupInvoice queries LNbits' GET /api/v1/payments/{hash} for settlement
// status, with a process-local cache of confirmed-paid hashes.
func (w *LNbitsWallet) LookupInvoice(ctx context.Context, paymentHash string) (bool, error) {
	if paid, ok := w.paidCache.Load(paymentHash); ok && paid {
		return true, nil
	}

	var lastErr error
	for _, ep := range w.endpoints() {
		u := fmt.Sprintf("%s/api/v1/payments/%s", strings.TrimRight(ep.baseURL, "/"), paymentHash)
		client := newLNbitsHTTPClient(ep.tlsServerName)

		for attempt := 0; attempt < 2; attempt++ {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				lastErr = err
				break
			}
			if ep.hostOverride != "" {
				req.Host = ep.hostOverride
			}
			req.Header.Set("X-Api-Key", w.apiKey)

			resp, err := client.Do(req)
			if err != nil {
				lastErr = err
				if attempt == 0 {
					time.Sleep(250 * time.Millisecond)
					continue
				}
				break
			}

			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return false, fmt.Errorf("lnbits wallet: returned %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				lastErr = fmt.Errorf("lnbits wallet: returned %d", resp.StatusCode)
				if isTransientLNbitsStatus(resp.StatusCode) && attempt == 0 {
					time.Sleep(250 * time.Millisecond)
					continue
				}
				break
			}

			paid := gjson.GetBytes(body, "paid").Bool()
			if paid {
				w.paidCache.Store(paymentHash, true)
			}
			return paid, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("lnbits wallet: failed to look up invoice")
	}
	return false, lastErr
}

// VerifyPreimage checks the hash match locally, then confirms settlement
// against LNbits.
func (w *LNbitsWallet) VerifyPreimage(ctx context.Context, paymentHash, preimage string) (bool, error) {
	if !verifyPreimageHash(paymentHash, preimage) {
		return false, nil
	}
	return w.LookupInvoice(ctx, paymentHash)
}

// StubWallet is an in-memory Wallet for tests and local development: it
// mints fake bolt11 strings and self-settles whenever the caller presents
// the preimage it handed out at creation time.
type StubWallet struct {
	invoices *xsync.MapOf[string, string] // paymentHash -> preimage
	counter  *xsync.Counter
}

// NewStubWallet constructs a StubWallet. No external calls are made.
func NewStubWallet() *StubWallet {
	return &StubWallet{
		invoices: xsync.NewMapOf[string, string](),
		counter:  xsync.NewCounter(),
	}
}

func (w *StubWallet) CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error) {
	w.counter.Add(1)
	n := w.counter.Value()
	preimageBytes := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", memo, amountSats, n)))
	preimage := hex.EncodeToString(preimageBytes[:])
	hashBytes := sha256.Sum256(preimageBytes[:])
	hash := hex.EncodeToString(hashBytes[:])

	w.invoices.Store(hash, preimage)
	return Invoice{
		PaymentRequest: fmt.Sprintf("lnbcrt%dstub1p%s", amountSats, hash[:16]),
		PaymentHash:    hash,
	}, nil
}

func (w *StubWallet) LookupInvoice(ctx context.Context, paymentHash string) (bool, error) {
	_, ok := w.invoices.Load(paymentHash)
	return ok, nil
}

func (w *StubWallet) VerifyPreimage(ctx context.Context, paymentHash, preimage string) (bool, error) {
	want, ok := w.invoices.Load(paymentHash)
	if !ok {
		return false, nil
	}
	return constantTimeEqual(want, preimage), nil
}

// StubPreimage exposes the preimage the stub wallet generated for
// paymentHash, for tests that need to complete a payment.
func (w *StubWallet) StubPreimage(paymentHash string) (string, bool) {
	return w.invoices.Load(paymentHash)
}

// WalletCloser is implemented by Wallet adapters that hold a backend
// connection worth releasing explicitly (spec §5 "resource release").
type WalletCloser interface {
	Close() error
}

// Close releases the LNbitsWallet's cached invoice state. The underlying
// http.Client keeps no connection this adapter is responsible for beyond
// what Go's transport already pools and expires on its own.
func (w *LNbitsWallet) Close() error {
	w.paidCache.Clear()
	return nil
}

// Close releases the StubWallet's in-memory invoice table.
func (w *StubWallet) Close() error {
	w.invoices.Clear()
	return nil
}
