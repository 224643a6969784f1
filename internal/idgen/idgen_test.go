package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	if !strings.HasPrefix(id, "esc_") {
		t.Fatalf("expected esc_ prefix, got %s", id)
	}
	if len(id) != len("esc_")+24 {
		t.Fatalf("expected 24 hex chars after prefix, got %q", id)
	}
	if WithPrefix("esc_") == id {
		t.Fatal("two random ids collided")
	}
}

func TestCorrelation_Deterministic(t *testing.T) {
	a := Correlation("esc_1", "payout")
	b := Correlation("esc_1", "payout")
	if a != b {
		t.Fatalf("expected identical ids, got %s and %s", a, b)
	}
	if Correlation("esc_1", "refund") == a {
		t.Fatal("different parts must produce different ids")
	}
	// Joining must not be ambiguous.
	if Correlation("esc_1p", "ayout") == Correlation("esc_1", "payout") {
		t.Fatal("part boundaries must be significant")
	}
	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
	if parsed.Version() != 5 {
		t.Fatalf("expected version 5, got %d", parsed.Version())
	}
}
