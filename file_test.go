package vaultfs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFile_WriteReadSizes(t *testing.T) {
	h, dir := openTestHandleDir(t)
	cs := int(MinChunkSize)

	tests := []struct {
		name   string
		size   int
		chunks uint64
	}{
		{"empty", 0, 1},
		{"one byte", 1, 1},
		{"chunk minus one", cs - 1, 1},
		{"exact chunk", cs, 1},
		{"chunk plus one", cs + 1, 2},
		{"three chunks", 3 * cs, 3},
		{"three chunks and a tail", 3*cs + 7, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := "/" + strings.ReplaceAll(tt.name, " ", "_")
			data := patternData(tt.size)
			writeTestFile(t, h, p, data)

			got, err := h.ReadFile(p)
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("ReadFile returned %d bytes, want %d matching", len(got), len(data))
			}

			e, err := h.Stat(p)
			if err != nil {
				t.Fatal(err)
			}
			if e.Size != int64(tt.size) || e.ChunkCount != tt.chunks {
				t.Errorf("Stat = size %d chunks %d, want %d/%d", e.Size, e.ChunkCount, tt.size, tt.chunks)
			}

			fi, err := os.Stat(hostPath(t, h, dir, p))
			if err != nil {
				t.Fatal(err)
			}
			if fi.Size() != PhysicalSize(int64(tt.size), MinChunkSize) {
				t.Errorf("physical size = %d, want %d", fi.Size(), PhysicalSize(int64(tt.size), MinChunkSize))
			}
		})
	}
}

func TestFile_ReadSeek(t *testing.T) {
	h := openTestHandle(t)
	data := patternData(3*MinChunkSize + 500)
	writeTestFile(t, h, "/r.bin", data)

	f, err := h.Open("/r.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	if f.Size() != int64(len(data)) || f.ChunkCount() != 4 || f.ChunkSize() != MinChunkSize {
		t.Errorf("file info = %d/%d/%d", f.Size(), f.ChunkCount(), f.ChunkSize())
	}
	if f.Name() != "/r.bin" {
		t.Errorf("Name() = %s", f.Name())
	}

	// odd buffer size so reads straddle chunk boundaries
	got, err := io.ReadAll(io.LimitReader(f, int64(len(data))+10))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("sequential read mismatch")
	}
	if n, err := f.Read(make([]byte, 10)); n != 0 || err != io.EOF {
		t.Errorf("Read at end = %d, %v; want 0, EOF", n, err)
	}

	seeks := []struct {
		offset int64
		whence int
		want   int64
	}{
		{1000, io.SeekStart, 1000},
		// the 8-byte read after each seek advances the offset
		{100, io.SeekCurrent, 1108},
		{-10, io.SeekEnd, int64(len(data)) - 10},
	}
	for _, s := range seeks {
		pos, err := f.Seek(s.offset, s.whence)
		if err != nil || pos != s.want {
			t.Fatalf("Seek(%d, %d) = %d, %v; want %d", s.offset, s.whence, pos, err, s.want)
		}
		buf := make([]byte, 8)
		n, _ := f.Read(buf)
		if !bytes.Equal(buf[:n], data[s.want:s.want+int64(n)]) {
			t.Errorf("read after Seek(%d, %d) mismatch", s.offset, s.whence)
		}
	}
	if _, err := f.Seek(-1, io.SeekStart); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("Seek(-1) = %v, want ErrInvalidParameters", err)
	}
	if _, err := f.Seek(0, 7); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("Seek(whence 7) = %v, want ErrInvalidParameters", err)
	}

	buf := make([]byte, 1500)
	n, err := f.ReadAt(buf, 1000)
	if err != nil || n != len(buf) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(buf, data[1000:2500]) {
		t.Error("ReadAt across chunks mismatch")
	}
	n, err = f.ReadAt(buf, int64(len(data))-100)
	if n != 100 || err != io.EOF {
		t.Errorf("ReadAt near end = %d, %v; want 100, EOF", n, err)
	}
	if _, err := f.ReadAt(buf, -5); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("ReadAt(-5) = %v, want ErrInvalidParameters", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, err := f.Read(buf); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Read after Close = %v", err)
	}
}

func TestFile_ReadChunks(t *testing.T) {
	h := openTestHandle(t)
	data := patternData(2*MinChunkSize + 10)
	writeTestFile(t, h, "/c.bin", data)

	chunks, err := h.ReadChunks("/c.bin", 1, 2)
	if err != nil {
		t.Fatalf("ReadChunks failed: %v", err)
	}
	if len(chunks) != 2 || !bytes.Equal(chunks[0], data[MinChunkSize:2*MinChunkSize]) || !bytes.Equal(chunks[1], data[2*MinChunkSize:]) {
		t.Error("ReadChunks returned wrong data")
	}

	if _, err := h.ReadChunks("/c.bin", 2, 2); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("ReadChunks out of range = %v, want ErrInvalidParameters", err)
	}

	f, err := h.Open("/c.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	first, err := f.ReadChunks(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	first[0][0] ^= 0xff
	again, err := f.ReadChunks(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again[0][0] != data[0] {
		t.Error("ReadChunks returned a slice shared with the cache")
	}
}

func TestFile_OpenErrors(t *testing.T) {
	h := openTestHandle(t)
	if err := h.Mkdir("/dir"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		op   func() error
		want error
	}{
		{"open dir", func() error { _, err := h.Open("/dir"); return err }, ErrIsDirectory},
		{"open root", func() error { _, err := h.Open("/"); return err }, ErrIsDirectory},
		{"open missing", func() error { _, err := h.Open("/nope"); return err }, ErrNotFound},
		{"read missing", func() error { _, err := h.ReadFile("/dir/nope"); return err }, ErrNotFound},
		{"create over dir", func() error { _, err := h.Create("/dir"); return err }, ErrIsDirectory},
		{"write over dir", func() error { return h.WriteFile("/dir", []byte("x")) }, ErrIsDirectory},
		{"create in missing dir", func() error { _, err := h.Create("/none/f"); return err }, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWriter_Streaming(t *testing.T) {
	h := openTestHandle(t)
	data := patternData(5*MinChunkSize + 123)

	w, err := h.Create("/stream.bin")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for off := 0; off < len(data); off += 333 {
		end := min(off+333, len(data))
		if n, err := w.Write(data[off:end]); err != nil || n != end-off {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if w.Size() != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", w.Size(), len(data))
	}

	if _, err := h.Stat("/stream.bin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("file visible before Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}

	got, err := h.ReadFile("/stream.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("streamed content mismatch")
	}
}

func TestWriter_EmptyFile(t *testing.T) {
	h := openTestHandle(t)
	w, err := h.Create("/empty")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	e, err := h.Stat("/empty")
	if err != nil || e.Size != 0 || e.ChunkCount != 1 {
		t.Errorf("Stat = %+v, %v", e, err)
	}
	data, err := h.ReadFile("/empty")
	if err != nil || len(data) != 0 {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
}

func TestWriter_AbortKeepsOldVersion(t *testing.T) {
	h, dir := openTestHandleDir(t)
	writeTestFile(t, h, "/doc", []byte("version one"))

	w, err := h.Create("/doc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(patternData(3 * MinChunkSize)); err != nil {
		t.Fatal(err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Errorf("second Abort = %v", err)
	}

	got, err := h.ReadFile("/doc")
	if err != nil || string(got) != "version one" {
		t.Errorf("ReadFile after Abort = %q, %v", got, err)
	}

	entries, err := os.ReadDir(hostPath(t, h, dir, "/"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}

	// the lock was released
	writeTestFile(t, h, "/doc", []byte("version two"))
}

func TestWriter_OverwriteUsesFreshNonce(t *testing.T) {
	h, dir := openTestHandleDir(t)
	writeTestFile(t, h, "/n", []byte("same content"))
	first, err := os.ReadFile(hostPath(t, h, dir, "/n"))
	if err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, h, "/n", []byte("same content"))
	second, err := os.ReadFile(hostPath(t, h, dir, "/n"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(first, second) {
		t.Error("rewriting identical content produced identical ciphertext")
	}
	if bytes.Contains(second, []byte("same content")) {
		t.Error("plaintext found in content file")
	}
}

func TestWriter_ReaderSeesOldVersion(t *testing.T) {
	h := openTestHandle(t)
	old := patternData(2 * MinChunkSize)
	writeTestFile(t, h, "/live", old)

	f, err := h.Open("/live")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	writeTestFile(t, h, "/live", []byte("replacement"))

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read of open file failed: %v", err)
	}
	if !bytes.Equal(got, old) {
		t.Error("open file changed underneath its reader")
	}
	now, err := h.ReadFile("/live")
	if err != nil || string(now) != "replacement" {
		t.Errorf("ReadFile = %q, %v", now, err)
	}
}

func TestFile_Tampering(t *testing.T) {
	cs := int64(MinChunkSize)
	full := cs + ChunkOverhead

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"flip chunk byte", func(b []byte) []byte {
			return flipBit(b, int(ContentHeaderSize+full+40))
		}},
		{"flip header nonce", func(b []byte) []byte {
			return flipBit(b, ContentHeaderSize-1)
		}},
		{"swap chunks", func(b []byte) []byte {
			out := append([]byte(nil), b...)
			c0 := out[ContentHeaderSize : ContentHeaderSize+full]
			c1 := append([]byte(nil), out[ContentHeaderSize+full:ContentHeaderSize+2*full]...)
			copy(out[ContentHeaderSize+full:], c0)
			copy(out[ContentHeaderSize:], c1)
			return out
		}},
		{"drop final chunk", func(b []byte) []byte {
			return b[:ContentHeaderSize+2*full]
		}},
		{"partial chunk", func(b []byte) []byte {
			return b[:ContentHeaderSize+2*full+10]
		}},
		{"header only", func(b []byte) []byte {
			return b[:ContentHeaderSize]
		}},
		{"appended chunk", func(b []byte) []byte {
			return append(append([]byte(nil), b...), b[ContentHeaderSize:ContentHeaderSize+full]...)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, dir := openTestHandleDir(t)
			writeTestFile(t, h, "/t.bin", patternData(int(3*cs)))
			phys := hostPath(t, h, dir, "/t.bin")

			raw, err := os.ReadFile(phys)
			if err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(phys, tt.mutate(raw), 0o600); err != nil {
				t.Fatal(err)
			}

			if _, err := h.ReadFile("/t.bin"); !errors.Is(err, ErrAuthenticationFailure) {
				t.Errorf("ReadFile = %v, want ErrAuthenticationFailure", err)
			}
		})
	}
}

func TestFile_ParallelReadWrite(t *testing.T) {
	opts := &Options{Parallel: ParallelConfig{Enabled: true, MaxWorkers: 4, MinChunksForParallel: 2}}
	v, _ := newTestVault(t, opts)
	h, err := v.Unlock([]byte(testPassphrase))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	data := patternData(20*MinChunkSize + 17)
	if err := h.WriteFile("/big", data); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := h.ReadFile("/big")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("parallel round trip mismatch")
	}
	if e, _ := h.Stat("/big"); e.ChunkCount != 21 {
		t.Errorf("ChunkCount = %d, want 21", e.ChunkCount)
	}
}

func TestFile_HandleCloseClosesFiles(t *testing.T) {
	v, dir := newTestVault(t, nil)
	h, err := v.Unlock([]byte(testPassphrase))
	if err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, h, "/a", []byte("a"))
	f, err := h.Open("/a")
	if err != nil {
		t.Fatal(err)
	}
	w, err := h.Create("/b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("pending")); err != nil {
		t.Fatal(err)
	}
	rootPhys := hostPath(t, h, dir, "/")

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Read after handle Close = %v, want ErrHandleClosed", err)
	}
	if err := w.Close(); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Writer.Close after handle Close = %v, want ErrHandleClosed", err)
	}

	matches, err := filepath.Glob(filepath.Join(rootPhys, tempPrefix+"*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("aborted writer left %v", matches)
	}
}
