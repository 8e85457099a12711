package vaultfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func newTestHeader(t *testing.T, passphrase string) (*VaultHeader, *MasterKey) {
	t.Helper()
	h, mk, err := NewHeader([]byte(passphrase), testKDF())
	if err != nil {
		t.Fatalf("NewHeader failed: %v", err)
	}
	t.Cleanup(mk.Destroy)
	return h, mk
}

func TestHeader_RoundTrip(t *testing.T) {
	h, mk := newTestHeader(t, testPassphrase)

	data, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if want := 4 + 1 + DefaultSaltSize + 1 + 12 + 2 + wrappedKeySize + headerMACSize; len(data) != want {
		t.Errorf("encoded size = %d, want %d", len(data), want)
	}
	if v := binary.LittleEndian.Uint32(data); v != HeaderFormatVersion {
		t.Errorf("encoded version = %d, want %d", v, HeaderFormatVersion)
	}

	var decoded VaultHeader
	if err := decoded.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	again, err := decoded.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("re-encoding a decoded header changed it")
	}

	opened, err := OpenHeader(&decoded, []byte(testPassphrase))
	if err != nil {
		t.Fatalf("OpenHeader failed: %v", err)
	}
	defer opened.Destroy()
	if !opened.Equal(mk) {
		t.Error("opened master key differs from the created one")
	}
}

func TestHeader_WriteToReadFrom(t *testing.T) {
	h, _ := newTestHeader(t, testPassphrase)

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if int(n) != buf.Len() {
		t.Errorf("WriteTo reported %d bytes, wrote %d", n, buf.Len())
	}

	var back VaultHeader
	if _, err := back.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if back.MAC != h.MAC || !bytes.Equal(back.WrappedKey, h.WrappedKey) {
		t.Error("ReadFrom returned a different header")
	}
}

func TestHeader_WrongPassphrase(t *testing.T) {
	h, _ := newTestHeader(t, testPassphrase)

	_, err := OpenHeader(h, []byte("battery-staple"))
	if !errors.Is(err, ErrInvalidPassphraseOrCorrupt) {
		t.Errorf("OpenHeader with wrong passphrase = %v, want ErrInvalidPassphraseOrCorrupt", err)
	}
}

func TestHeader_Tampering(t *testing.T) {
	h, _ := newTestHeader(t, testPassphrase)
	data, err := h.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	// every byte past the version field, one at a time
	for i := 4; i < len(data); i++ {
		tampered := flipBit(data, i)
		var th VaultHeader
		err := th.UnmarshalBinary(tampered)
		if err == nil {
			_, err = OpenHeader(&th, []byte(testPassphrase))
		}
		if !errors.Is(err, ErrInvalidPassphraseOrCorrupt) {
			t.Fatalf("flipping byte %d: got %v, want ErrInvalidPassphraseOrCorrupt", i, err)
		}
	}
}

func TestHeader_UnsupportedVersion(t *testing.T) {
	h, _ := newTestHeader(t, testPassphrase)
	data, _ := h.MarshalBinary()
	binary.LittleEndian.PutUint32(data, 2)

	var th VaultHeader
	err := th.UnmarshalBinary(data)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("UnmarshalBinary(version 2) = %v, want ErrUnsupportedVersion", err)
	}
	if errors.Is(err, ErrInvalidPassphraseOrCorrupt) {
		t.Error("unsupported version also matched ErrInvalidPassphraseOrCorrupt")
	}
}

func TestHeader_Truncated(t *testing.T) {
	h, _ := newTestHeader(t, testPassphrase)
	data, _ := h.MarshalBinary()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"version only", data[:4]},
		{"missing mac", data[:len(data)-headerMACSize]},
		{"one byte short", data[:len(data)-1]},
		{"trailing byte", append(append([]byte(nil), data...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var th VaultHeader
			if err := th.UnmarshalBinary(tt.data); !errors.Is(err, ErrInvalidPassphraseOrCorrupt) {
				t.Errorf("UnmarshalBinary = %v, want ErrInvalidPassphraseOrCorrupt", err)
			}
		})
	}
}

func TestHeader_Rewrap(t *testing.T) {
	h, mk := newTestHeader(t, testPassphrase)

	nh, err := RewrapHeader(h, []byte(testPassphrase), []byte("new-passphrase"))
	if err != nil {
		t.Fatalf("RewrapHeader failed: %v", err)
	}
	if bytes.Equal(nh.KDF.Salt, h.KDF.Salt) {
		t.Error("rewrapped header reuses the old salt")
	}
	if nh.KDF.Cost != h.KDF.Cost || nh.KDF.Algorithm != h.KDF.Algorithm {
		t.Error("rewrapped header changed the KDF parameters")
	}

	if _, err := OpenHeader(nh, []byte(testPassphrase)); !errors.Is(err, ErrInvalidPassphraseOrCorrupt) {
		t.Errorf("old passphrase on new header = %v, want ErrInvalidPassphraseOrCorrupt", err)
	}
	opened, err := OpenHeader(nh, []byte("new-passphrase"))
	if err != nil {
		t.Fatalf("OpenHeader(new) failed: %v", err)
	}
	defer opened.Destroy()
	if !opened.Equal(mk) {
		t.Error("rewrapping changed the master key")
	}

	if _, err := RewrapHeader(h, []byte("wrong"), []byte("x")); !errors.Is(err, ErrInvalidPassphraseOrCorrupt) {
		t.Errorf("RewrapHeader with wrong old passphrase = %v", err)
	}
	if _, err := RewrapHeader(h, []byte(testPassphrase), nil); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("RewrapHeader with empty new passphrase = %v", err)
	}
}

func TestNewHeader_InvalidInput(t *testing.T) {
	if _, _, err := NewHeader(nil, testKDF()); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("empty passphrase: got %v", err)
	}
	weak := testKDF()
	weak.Cost = 1024
	if _, _, err := NewHeader([]byte("x"), weak); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("weak KDF: got %v", err)
	}
}
