package vaultfs

import (
	"testing"
)

const testPassphrase = "correct-horse"

// testKDF is the cheapest work factor the validator accepts.
func testKDF() KDFParams {
	return KDFParams{Algorithm: KDFScrypt, Cost: 1 << 14, BlockSize: 8, Parallelism: 1}
}

func testCreateOptions() *CreateOptions {
	return &CreateOptions{KDF: testKDF(), ChunkSize: MinChunkSize}
}

func testMasterKey(t *testing.T) *MasterKey {
	t.Helper()
	mk, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	t.Cleanup(mk.Destroy)
	return mk
}

// newTestVault creates a vault in a fresh temp directory.
func newTestVault(t *testing.T, opts *Options) (*Vault, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := New(NewDirFS(dir), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := v.Create([]byte(testPassphrase), testCreateOptions()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v, dir
}

// openTestHandle creates a vault and unlocks it.
func openTestHandle(t *testing.T) *Handle {
	t.Helper()
	v, _ := newTestVault(t, nil)
	h, err := v.Unlock([]byte(testPassphrase))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func writeTestFile(t *testing.T, h *Handle, p string, data []byte) {
	t.Helper()
	if err := h.WriteFile(p, data); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", p, err)
	}
}

func patternData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}
