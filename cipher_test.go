package vaultfs

import (
	"bytes"
	"errors"
	"testing"
)

func TestCipherEngine_SealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)

	for _, suite := range []CipherSuite{CipherAuto, CipherAES256GCM, CipherChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			engine, err := NewCipherEngine(suite, key)
			if err != nil {
				t.Fatalf("NewCipherEngine failed: %v", err)
			}
			if engine.NonceSize() != 12 || engine.Overhead() != 16 {
				t.Fatalf("nonce/overhead = %d/%d, want 12/16", engine.NonceSize(), engine.Overhead())
			}

			nonce := make([]byte, engine.NonceSize())
			ct, err := engine.Seal(nonce, []byte("payload"), []byte("ad"))
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			pt, err := engine.Open(nonce, ct, []byte("ad"))
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if string(pt) != "payload" {
				t.Errorf("Open = %q, want %q", pt, "payload")
			}

			if _, err := engine.Open(nonce, ct, []byte("other")); !errors.Is(err, ErrAuthenticationFailure) {
				t.Errorf("Open with wrong AD = %v, want ErrAuthenticationFailure", err)
			}
			if _, err := engine.Open(nonce[:8], ct, []byte("ad")); err == nil {
				t.Error("Open accepted a short nonce")
			}
		})
	}
}

func TestCipherEngine_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		suite CipherSuite
		key   []byte
	}{
		{"aes short key", CipherAES256GCM, make([]byte, 16)},
		{"chacha short key", CipherChaCha20Poly1305, make([]byte, 31)},
		{"unknown suite", CipherSuite(99), make([]byte, KeySize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCipherEngine(tt.suite, tt.key); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseCipherSuite(t *testing.T) {
	tests := []struct {
		in      string
		want    CipherSuite
		wantErr bool
	}{
		{"", CipherAuto, false},
		{"aes-256-gcm", CipherAES256GCM, false},
		{"chacha20", CipherChaCha20Poly1305, false},
		{"chacha20-poly1305", CipherChaCha20Poly1305, false},
		{"rot13", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCipherSuite(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCipherSuite(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCipherSuite(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
