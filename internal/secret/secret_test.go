package secret

import (
	"bytes"
	"encoding/hex"
	"os"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	blob, err := box.Seal("api-key-value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(blob, []byte("api-key-value")) {
		t.Fatalf("ciphertext leaks plaintext")
	}

	got, err := box.Open(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "api-key-value" {
		t.Fatalf("open = %q", got)
	}
}

func TestSealNonceUniqueness(t *testing.T) {
	box, _ := New(testKey())
	a, _ := box.Seal("x")
	b, _ := box.Seal("x")
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same plaintext must differ")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	box, _ := New(testKey())
	blob, _ := box.Seal("secret")

	other := testKey()
	other[0] ^= 0xff
	box2, _ := New(other)
	if _, err := box2.Open(blob); err == nil {
		t.Fatalf("open with wrong key should fail")
	}
}

func TestOpenRejectsShortBlob(t *testing.T) {
	box, _ := New(testKey())
	if _, err := box.Open([]byte{1, 2, 3}); err == nil {
		t.Fatalf("short blob should fail")
	}
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Fatalf("16-byte key should be rejected")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(masterKeyEnv, hex.EncodeToString(testKey()))
	box, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	blob, _ := box.Seal("v")
	if got, err := box.Open(blob); err != nil || got != "v" {
		t.Fatalf("round trip = %q %v", got, err)
	}

	os.Unsetenv(masterKeyEnv)
	if _, err := FromEnv(); err == nil {
		t.Fatalf("missing key should fail")
	}

	t.Setenv(masterKeyEnv, "not-hex")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("non-hex key should fail")
	}
}
