package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESSealerRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "empty", key: "", wantErr: "empty"},
		{name: "not base64", key: "%%%", wantErr: "base64"},
		{name: "short", key: base64.StdEncoding.EncodeToString([]byte("short")), wantErr: "32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESSealer(tt.key)
			if err == nil {
				t.Fatalf("expected error but got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	sealer, err := NewAESSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewAESSealer failed: %v", err)
	}

	plaintext := []byte("1BQANOTEuMTA4LjU2LjE1NgG7")
	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatalf("sealed output contains plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("unexpected plaintext: %q", opened)
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	sealer, err := NewAESSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewAESSealer failed: %v", err)
	}

	sealed, err := sealer.Seal([]byte("session"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff

	if _, err := sealer.Open(sealed); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
	if _, err := sealer.Open([]byte("x")); err == nil {
		t.Fatalf("expected short ciphertext to fail")
	}
}

func TestSealRejectsEmpty(t *testing.T) {
	sealer, err := NewAESSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewAESSealer failed: %v", err)
	}
	if _, err := sealer.Seal(nil); err == nil {
		t.Fatalf("expected error for empty plaintext")
	}
}
