package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// getNsec reads the signing key from the environment, grounded on main.go's
// getNsec (the 1Password fallback is dropped: this deployment has no vault
// integration to shell out to).
func getNsec() (string, error) {
	if nsec := os.Getenv("NOSTR_NSEC"); nsec != "" {
		return nsec, nil
	}
	return "", fmt.Errorf("NOSTR_NSEC is not set")
}

// decodeKey converts an nsec (or raw hex private key) into hex secret key
// and pubkey, per main.go's decodeKey.
func decodeKey(nsec string) (sk, pub string, err error) {
	if strings.HasPrefix(nsec, "nsec") {
		_, v, err := nip19.Decode(nsec)
		if err != nil {
			return "", "", fmt.Errorf("nip19 decode: %w", err)
		}
		sk = v.(string)
	} else {
		sk = nsec
	}
	pub, err = nostr.GetPublicKey(sk)
	if err != nil {
		return "", "", fmt.Errorf("getPublicKey: %w", err)
	}
	return sk, pub, nil
}

// PublishAttestation signs and publishes a kind 1985 attestation event
// vouching for (or flagging) subject with label, to relays. Grounded on
// main.go's publishNIP85 event-construction-and-publish pattern.
func PublishAttestation(ctx context.Context, relays []string, subject, label string) (string, error) {
	nsec, err := getNsec()
	if err != nil {
		return "", fmt.Errorf("getNsec: %w", err)
	}
	sk, pub, err := decodeKey(nsec)
	if err != nil {
		return "", err
	}

	ev := nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Now(),
		Kind:      attestationKind,
		Tags: nostr.Tags{
			{"L", attestationNamespace},
			{"l", label, attestationNamespace},
			{"p", subject},
		},
		Content: fmt.Sprintf("%s: %s", label, subject),
	}
	if err := ev.Sign(sk); err != nil {
		return "", fmt.Errorf("sign event: %w", err)
	}

	pool := nostr.NewSimplePool(ctx)
	published := 0
	for res := range pool.PublishMany(ctx, relays, ev) {
		if res.Error == nil {
			published++
		}
	}
	if published == 0 {
		return ev.ID, fmt.Errorf("failed to publish attestation to any of %d relays", len(relays))
	}
	return ev.ID, nil
}
