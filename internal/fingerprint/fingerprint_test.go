package fingerprint

import "testing"

func TestDigestKnownVector(t *testing.T) {
	// SHA-256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	got := Digest([]byte("abc"))
	if got != want {
		t.Errorf("Digest: got %s, want %s", got, want)
	}
}

func TestMatchCaseInsensitive(t *testing.T) {
	raw := []byte("abc")
	upper := "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"
	if !Match(raw, upper) {
		t.Error("uppercase fingerprint should match")
	}
	mixed := "Ba7816bf8f01cfEA414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if !Match(raw, mixed) {
		t.Error("mixed-case fingerprint should match")
	}
}

func TestMatchEmptyAcceptsAnything(t *testing.T) {
	if !Match([]byte("whatever"), "") {
		t.Error("empty configured fingerprint must accept any certificate")
	}
}

func TestMatchRejectsWrongFingerprint(t *testing.T) {
	if Match([]byte("abc"), "deadbeef") {
		t.Error("non-matching fingerprint must be rejected")
	}
}
