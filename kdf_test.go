package vaultfs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestValidateKDFParams(t *testing.T) {
	salt := bytes.Repeat([]byte{1}, DefaultSaltSize)

	tests := []struct {
		name     string
		params   KDFParams
		withSalt bool
		wantErr  bool
	}{
		{"scrypt default", DefaultKDFParams(), false, false},
		{"argon2id default", DefaultArgon2idParams(), false, false},
		{"scrypt minimum", testKDF(), false, false},
		{"scrypt N below floor", KDFParams{Algorithm: KDFScrypt, Cost: 1 << 13, BlockSize: 8, Parallelism: 1}, false, true},
		{"scrypt N not power of two", KDFParams{Algorithm: KDFScrypt, Cost: 20000, BlockSize: 8, Parallelism: 1}, false, true},
		{"scrypt N above ceiling", KDFParams{Algorithm: KDFScrypt, Cost: 1 << 23, BlockSize: 8, Parallelism: 1}, false, true},
		{"scrypt r too small", KDFParams{Algorithm: KDFScrypt, Cost: 1 << 14, BlockSize: 4, Parallelism: 1}, false, true},
		{"scrypt p zero", KDFParams{Algorithm: KDFScrypt, Cost: 1 << 14, BlockSize: 8}, false, true},
		{"argon2id memory too small", KDFParams{Algorithm: KDFArgon2id, Cost: 1024, BlockSize: 1, Parallelism: 1}, false, true},
		{"argon2id zero time", KDFParams{Algorithm: KDFArgon2id, Cost: 64 * 1024, Parallelism: 1}, false, true},
		{"unknown algorithm", KDFParams{Algorithm: 9, Cost: 1 << 14, BlockSize: 8, Parallelism: 1}, false, true},
		{"missing salt", testKDF(), true, true},
		{"with salt", KDFParams{Algorithm: KDFScrypt, Salt: salt, Cost: 1 << 14, BlockSize: 8, Parallelism: 1}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKDFParams(tt.params, tt.withSalt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateKDFParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidParameters) {
				t.Errorf("error %v does not match ErrInvalidParameters", err)
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	params := testKDF()
	params.Salt = bytes.Repeat([]byte{7}, DefaultSaltSize)

	k1, err := DeriveKey([]byte("pass"), params)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(k1) != KeySize {
		t.Fatalf("key length = %d, want %d", len(k1), KeySize)
	}

	k2, err := DeriveKey([]byte("pass"), params)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveKey is not deterministic")
	}

	k3, err := DeriveKey([]byte("Pass"), params)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, k3) {
		t.Error("different passphrases derived the same key")
	}

	params.Salt = bytes.Repeat([]byte{8}, DefaultSaltSize)
	k4, err := DeriveKey([]byte("pass"), params)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, k4) {
		t.Error("different salts derived the same key")
	}
}

func TestDeriveKey_Argon2id(t *testing.T) {
	params := KDFParams{
		Algorithm:   KDFArgon2id,
		Salt:        bytes.Repeat([]byte{3}, DefaultSaltSize),
		Cost:        minArgon2MemoryKB,
		BlockSize:   1,
		Parallelism: 1,
	}
	key, err := DeriveKey([]byte("pass"), params)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("key length = %d, want %d", len(key), KeySize)
	}
}

func TestArgon2Key_Panics(t *testing.T) {
	salt := bytes.Repeat([]byte{3}, DefaultSaltSize)
	tests := []struct {
		name    string
		rounds  uint32
		threads uint8
	}{
		{"zero rounds", 0, 1},
		{"zero threads", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := argon2Key([]byte("pass"), salt, tt.rounds, minArgon2MemoryKB, tt.threads)
			if !errors.Is(err, ErrKdfExecution) || key != nil {
				t.Errorf("argon2Key = %x, %v; want ErrKdfExecution", key, err)
			}
		})
	}
}

func TestDeriveKey_InvalidInput(t *testing.T) {
	params := testKDF()
	params.Salt = bytes.Repeat([]byte{7}, DefaultSaltSize)

	if _, err := DeriveKey(nil, params); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("empty passphrase: got %v, want ErrInvalidParameters", err)
	}
	params.Salt = params.Salt[:4]
	if _, err := DeriveKey([]byte("pass"), params); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("short salt: got %v, want ErrInvalidParameters", err)
	}
}

func TestDeriveKeyContext_Canceled(t *testing.T) {
	params := testKDF()
	params.Salt = bytes.Repeat([]byte{7}, DefaultSaltSize)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := DeriveKeyContext(ctx, []byte("pass"), params)
	if err == nil {
		// the derivation may win the race on a fast machine
		return
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("canceled derivation did not return promptly")
	}
}

func TestGenerateSalt(t *testing.T) {
	a, err := GenerateSalt(DefaultSaltSize)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateSalt(DefaultSaltSize)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("two salts are identical")
	}
	if _, err := GenerateSalt(8); err == nil {
		t.Error("GenerateSalt accepted a short salt")
	}
}

func TestParseKDFAlgorithm(t *testing.T) {
	for _, alg := range []KDFAlgorithm{KDFScrypt, KDFArgon2id} {
		got, err := ParseKDFAlgorithm(alg.String())
		if err != nil || got != alg {
			t.Errorf("ParseKDFAlgorithm(%q) = %v, %v", alg.String(), got, err)
		}
	}
	if _, err := ParseKDFAlgorithm("bcrypt"); err == nil {
		t.Error("ParseKDFAlgorithm accepted bcrypt")
	}
}
