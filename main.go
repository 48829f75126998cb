package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

var startTime = time.Now()

// pathTail returns the remainder of r.URL.Path after prefix, or "" if it
// doesn't have that prefix.
func pathTail(r *http.Request, prefix string) (string, bool) {
	if !strings.HasPrefix(r.URL.Path, prefix) {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"), true
}

// routeThreads dispatches /threads and /threads/{id}/posts by method and
// path shape, since the demo forum doesn't pull in a router dependency the
// rest of the pack doesn't otherwise need.
func routeThreads(forum *Forum) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tail, _ := pathTail(r, "/threads")
		switch {
		case tail == "" && r.Method == http.MethodGet:
			forum.handleListThreads(w, r)
		case tail == "" && r.Method == http.MethodPost:
			forum.handleCreateThread(w, r)
		case strings.HasSuffix(tail, "/posts"):
			threadID := strings.TrimSuffix(tail, "/posts")
			if r.Method == http.MethodPost {
				forum.handleCreatePost(w, r, threadID)
			} else {
				forum.handleListPosts(w, r, threadID)
			}
		default:
			http.NotFound(w, r)
		}
	}
}

// threadContextFrom binds pricing to the thread a post targets, so the
// progressive price ratchets per-thread rather than across the whole forum.
// New threads (no id in the path yet) fall back to "default".
func threadContextFrom(r *http.Request) string {
	tail, ok := pathTail(r, "/threads")
	if !ok {
		return "default"
	}
	tail = strings.TrimSuffix(tail, "/posts")
	if tail == "" {
		return "default"
	}
	return tail
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	admission, err := NewAdmissionFromEnv()
	if err != nil {
		log.Fatalf("admission: %v", err)
	}
	defer admission.Close()

	if resolver, ok := trustResolverFromAdmission(admission); ok {
		if attestResolver, ok := resolver.(*AttestationResolver); ok {
			ctx := context.Background()
			go ConsumeAttestations(ctx, defaultRelays, attestResolver.store)
			go func() {
				ticker := time.NewTicker(30 * time.Minute)
				defer ticker.Stop()
				for range ticker.C {
					ConsumeAttestations(ctx, defaultRelays, attestResolver.store)
				}
			}()
		}
	}

	// SELF_ATTEST_SUBJECT/SELF_ATTEST_LABEL let an operator publish one
	// attestation at startup, e.g. to seed a fresh relay set with a vouch
	// for a known-good agent so there's something real for the resolver
	// to consume in a demo environment.
	if subject := os.Getenv("SELF_ATTEST_SUBJECT"); subject != "" {
		label := envOr("SELF_ATTEST_LABEL", "service-quality")
		go func() {
			id, err := PublishAttestation(context.Background(), defaultRelays, subject, label)
			if err != nil {
				log.Printf("self-attest: %v", err)
				return
			}
			log.Printf("self-attest: published %s for %s (%s)", id, subject, label)
		}()
	}

	stopCleanup := admission.Pricing().StartCleanupLoop(time.Hour, 24*time.Hour)
	defer stopCleanup()

	forum := NewForum()
	limiter := NewRateLimiter(100, time.Minute)

	writeRoute := RouteConfig{
		AgentFrom:      HeaderExtractor("X-Agent-Id", "anonymous"),
		ContextFrom:    threadContextFrom,
		Description:    "forum write",
		InvoiceTTLSecs: 0,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
			"uptime": time.Since(startTime).String(),
		})
	})
	mux.HandleFunc("/pricing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"stats":             admission.Pricing().Stats(),
			"paymentHeader":     "Authorization: L402 <macaroon>:<preimage>",
			"rateLimitPerIPMin": 100,
		})
	})
	mux.Handle("/threads", admission.Wrap(writeRoute, routeThreads(forum)))
	mux.Handle("/threads/", admission.Wrap(writeRoute, routeThreads(forum)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"name":        "l402gate",
			"description": "L402 admission middleware fronting a demo forum. Reads are free; writes are metered per Lightning micropayment.",
			"endpoints": `GET /threads — list threads (free)
POST /threads {title} — create a thread (metered)
GET /threads/{id}/posts — list posts in a thread (free)
POST /threads/{id}/posts {body} — post into a thread (metered, ratchets per thread)
GET /pricing — current pricing engine stats
GET /health — liveness`,
			"protocol": "L402",
		})
	})

	handler := RateLimitMiddleware(limiter, mux)

	log.Printf("l402gate listening on :%s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

// trustResolverFromAdmission exposes the configured resolver so main can
// decide whether to run the attestation consumer loop. Admission keeps its
// trust field private; this narrow accessor avoids widening that surface
// just for startup wiring.
func trustResolverFromAdmission(a *Admission) (TrustResolver, bool) {
	return a.trust, a.trust != nil
}
