package vaultfs

import (
	"errors"
	"testing"
	"time"
)

func testVaultConfig() *VaultConfig {
	return &VaultConfig{
		VaultID:       "5f0c6a8e-1d2b-4c3a-9e8f-7a6b5c4d3e2f",
		Cipher:        CipherAES256GCM,
		ChunkSize:     DefaultChunkSize,
		NameThreshold: DefaultNameThreshold,
		CreatedAt:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestVaultConfig_SealOpen(t *testing.T) {
	mk := testMasterKey(t)
	cfg := testVaultConfig()

	sealed, err := sealConfig(mk, cfg)
	if err != nil {
		t.Fatalf("sealConfig failed: %v", err)
	}
	got, err := openConfig(mk, sealed)
	if err != nil {
		t.Fatalf("openConfig failed: %v", err)
	}
	if got.VaultID != cfg.VaultID || got.Cipher != cfg.Cipher || got.ChunkSize != cfg.ChunkSize ||
		got.NameThreshold != cfg.NameThreshold || !got.CreatedAt.Equal(cfg.CreatedAt) {
		t.Errorf("openConfig = %+v, want %+v", got, cfg)
	}

	again, _ := sealConfig(mk, cfg)
	if string(again) == string(sealed) {
		t.Error("sealing twice gave identical output")
	}
}

func TestVaultConfig_Tampered(t *testing.T) {
	mk := testMasterKey(t)
	sealed, err := sealConfig(mk, testVaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		key  *MasterKey
		data []byte
	}{
		{"bit flip", mk, flipBit(sealed, len(sealed)-3)},
		{"truncated", mk, sealed[:10]},
		{"other key", testMasterKey(t), sealed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := openConfig(tt.key, tt.data); !errors.Is(err, ErrAuthenticationFailure) {
				t.Errorf("openConfig = %v, want ErrAuthenticationFailure", err)
			}
		})
	}
}

func TestVaultConfig_InvalidContent(t *testing.T) {
	mk := testMasterKey(t)
	cfg := testVaultConfig()
	cfg.ChunkSize = 3

	sealed, err := sealConfig(mk, cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, err = openConfig(mk, sealed)
	if !IsCorruptionError(err) || !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("openConfig(invalid chunk size) = %v", err)
	}
}

func TestVaultConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*VaultConfig)
	}{
		{"missing id", func(c *VaultConfig) { c.VaultID = "" }},
		{"auto cipher", func(c *VaultConfig) { c.Cipher = CipherAuto }},
		{"threshold", func(c *VaultConfig) { c.NameThreshold = 1000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testVaultConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}
