package security

import (
	"encoding/base64"
	"strings"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealRoundtrip(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal("EAAB-page-access-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "EAAB-page-access-token" {
		t.Fatal("sealed token equals plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "EAAB-page-access-token" {
		t.Errorf("opened = %q", opened)
	}
}

func TestSealNoncesDiffer(t *testing.T) {
	s := newTestSealer(t)
	a, _ := s.Seal("tok")
	b, _ := s.Seal("tok")
	if a == b {
		t.Error("two seals of the same plaintext produced identical blobs")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s := newTestSealer(t)
	sealed, err := s.Seal("tok")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := s.Open(tampered); err == nil {
		t.Error("tampered blob opened without error")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	s := newTestSealer(t)
	for _, blob := range []string{"", "not base64!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := s.Open(blob); err == nil {
			t.Errorf("Open(%q) succeeded, want error", blob)
		}
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	a := newTestSealer(t)
	b := newTestSealer(t)
	sealed, _ := a.Seal("tok")
	if _, err := b.Open(sealed); err == nil {
		t.Error("blob sealed with one key opened with another")
	}
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	if _, err := NewSealer("not base64!!"); err == nil {
		t.Error("invalid base64 accepted")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := NewSealer(short); err == nil {
		t.Error("short key accepted")
	}
}

func TestGenerateKeyLength(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		t.Fatalf("key is not base64: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("key length = %d, want 32", len(raw))
	}
}
