package dispatch

import "testing"

func TestIdempotencyKeyIsStable(t *testing.T) {
	a := IdempotencyKey("acct-1", "m1")
	b := IdempotencyKey("acct-1", "m1")
	if a != b {
		t.Fatalf("same inputs produced different keys: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestIdempotencyKeyDistinguishesInputs(t *testing.T) {
	base := IdempotencyKey("acct-1", "m1")

	if IdempotencyKey("acct-1", "m2") == base {
		t.Fatalf("different message ids must produce different keys")
	}
	if IdempotencyKey("acct-2", "m1") == base {
		t.Fatalf("different accounts must produce different keys")
	}
	// Concatenation ambiguity: ("a", "bc") must differ from ("ab", "c")
	if IdempotencyKey("a", "bc") == IdempotencyKey("ab", "c") {
		t.Fatalf("key derivation is ambiguous across the account/message boundary")
	}
}
