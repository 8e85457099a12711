package keychain

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestSaveLoadDelete(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()

	if _, err := Load(dir); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load before Save = %v, want ErrNotFound", err)
	}

	if err := Save(dir, []byte("first")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Save(dir, []byte("second")); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Load = %q, want %q", got, "second")
	}

	// the same vault through a non-canonical path
	if got, err := Load(filepath.Join(dir, "sub", "..")); err != nil || string(got) != "second" {
		t.Errorf("Load(alias) = %q, %v", got, err)
	}

	if err := Delete(dir); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := Delete(dir); err != nil {
		t.Errorf("second Delete = %v", err)
	}
	if _, err := Load(dir); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after Delete = %v, want ErrNotFound", err)
	}
}

func TestSave_Empty(t *testing.T) {
	keyring.MockInit()
	if err := Save(t.TempDir(), nil); err == nil {
		t.Error("Save accepted an empty passphrase")
	}
}

func TestBackendFailure(t *testing.T) {
	boom := errors.New("secret service unavailable")
	keyring.MockInitWithError(boom)
	defer keyring.MockInit()

	dir := t.TempDir()
	if err := Save(dir, []byte("x")); !errors.Is(err, boom) {
		t.Errorf("Save = %v, want backend error", err)
	}
	if _, err := Load(dir); !errors.Is(err, boom) || errors.Is(err, ErrNotFound) {
		t.Errorf("Load = %v, want backend error", err)
	}
	if err := Delete(dir); !errors.Is(err, boom) {
		t.Errorf("Delete = %v, want backend error", err)
	}
}
