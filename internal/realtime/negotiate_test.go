package realtime

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func tokenFrom(t *testing.T, raw string) string {
	t.Helper()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return parsed.Query().Get("access_token")
}

func TestSubscriptionURLRoundTrip(t *testing.T) {
	n := NewNegotiator("s3cret", "https://kudos.example.com/", time.Minute)

	raw, err := n.SubscriptionURL("ABCD23")
	if err != nil {
		t.Fatalf("SubscriptionURL: %v", err)
	}
	if !strings.HasPrefix(raw, "wss://kudos.example.com/api/realtime/ws?access_token=") {
		t.Fatalf("unexpected url %s", raw)
	}

	claims, err := n.Verify(tokenFrom(t, raw))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ABCD23" || !claims.CanJoinGroups() {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyRejectsExpiredAndForged(t *testing.T) {
	issued := time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)
	n := NewNegotiator("s3cret", "http://localhost:8080", time.Minute)
	n.now = func() time.Time { return issued }

	raw, err := n.SubscriptionURL("user")
	if err != nil {
		t.Fatalf("SubscriptionURL: %v", err)
	}
	token := tokenFrom(t, raw)
	if !strings.HasPrefix(raw, "ws://localhost:8080/") {
		t.Fatalf("expected ws scheme, got %s", raw)
	}

	n.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := n.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token rejection, got %v", err)
	}

	other := NewNegotiator("different", "http://localhost:8080", time.Minute)
	other.now = func() time.Time { return issued }
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected forged token rejection, got %v", err)
	}
}

func TestNegotiatorUnavailableWithoutSecret(t *testing.T) {
	n := NewNegotiator("", "http://localhost:8080", 0)
	if _, err := n.SubscriptionURL("u"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
