package auth

import "testing"

func TestGenerateTokenUnique(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct random tokens")
	}
	if len(a) < 40 {
		t.Fatalf("token too short: %d", len(a))
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	h1 := HashToken("secret-token")
	h2 := HashToken("secret-token")
	if h1 != h2 {
		t.Fatal("expected deterministic hash")
	}
	if h1 == HashToken("other-token") {
		t.Fatal("expected different hashes for different tokens")
	}
	if !ConstantTimeHashEquals(h1, h2) {
		t.Fatal("expected hashes to compare equal")
	}
	if ConstantTimeHashEquals(h1, HashToken("other-token")) {
		t.Fatal("expected hashes to compare unequal")
	}
}

func TestConstantTimeHashEqualsLengthMismatch(t *testing.T) {
	if ConstantTimeHashEquals("abc", "abcd") {
		t.Fatal("expected length mismatch to compare unequal")
	}
}

func TestSecretHashRoundTrip(t *testing.T) {
	h, err := HashSecret("p4ss")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifySecretHash(h, "p4ss") {
		t.Fatal("expected secret to verify")
	}
	if VerifySecretHash(h, "wrong") {
		t.Fatal("expected wrong secret to fail verification")
	}
}
