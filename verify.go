package vaultfs

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
)

// WalkFunc is called for every entry visited by Walk. Returning fs.SkipDir
// from a directory skips its contents; any other error stops the walk.
type WalkFunc func(p string, entry FileEntry, err error) error

// Walk visits root and everything below it in lexical order.
func (h *Handle) Walk(root string, fn WalkFunc) error {
	done, err := h.enter()
	if err != nil {
		return err
	}
	defer done()

	e, err := h.m.Stat(root)
	if err != nil {
		err = fn(root, e, fail("stat", root, err))
	} else {
		err = h.walk(path.Clean("/"+root), e, fn)
	}
	if errors.Is(err, fs.SkipDir) || errors.Is(err, fs.SkipAll) {
		return nil
	}
	return err
}

func (h *Handle) walk(p string, e FileEntry, fn WalkFunc) error {
	if !e.IsDir {
		return fn(p, e, nil)
	}

	entries, err := h.m.List(p)
	err1 := fn(p, e, fail("list", p, err))
	if err != nil || err1 != nil {
		if errors.Is(err1, fs.SkipDir) {
			return nil
		}
		return err1
	}

	for _, child := range entries {
		if err := h.walk(path.Join(p, child.Name), child, fn); err != nil {
			if errors.Is(err, fs.SkipDir) && !child.IsDir {
				return nil
			}
			return err
		}
	}
	return nil
}

// VerifyFailure records one entry that did not decrypt.
type VerifyFailure struct {
	Path string
	Err  error
}

// VerifyReport summarizes a full vault verification.
type VerifyReport struct {
	Files    int
	Dirs     int
	Chunks   uint64
	Failures []VerifyFailure
}

// OK reports whether everything verified.
func (r *VerifyReport) OK() bool {
	return len(r.Failures) == 0
}

// Verify decrypts every name, directory node and chunk of the vault. Failing
// entries are collected in the report rather than stopping the pass; the
// returned error is non-nil when any entry failed.
func (h *Handle) Verify() (*VerifyReport, error) {
	report := &VerifyReport{}

	err := h.Walk("/", func(p string, e FileEntry, err error) error {
		if err != nil {
			report.Failures = append(report.Failures, VerifyFailure{Path: p, Err: err})
			if e.IsDir {
				return fs.SkipDir
			}
			return nil
		}
		if e.IsDir {
			report.Dirs++
			return nil
		}

		report.Files++
		if err := h.verifyFile(p, report); err != nil {
			report.Failures = append(report.Failures, VerifyFailure{Path: p, Err: err})
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("verification walk failed: %w", err)
	}

	if len(report.Failures) > 0 {
		h.m.log.Warn("vault verification found failures", "failures", len(report.Failures))
		return report, fmt.Errorf("%d entries failed verification: %w", len(report.Failures), report.Failures[0].Err)
	}
	return report, nil
}

// verifyFile reads every chunk of a file. Called from inside Walk, so the
// handle is already entered.
func (h *Handle) verifyFile(p string, report *VerifyReport) error {
	f, err := h.m.Open(p)
	if err != nil {
		return err
	}
	defer f.close()

	for i := uint64(0); i < f.chunks; i++ {
		if _, err := f.readChunk(i); err != nil {
			return err
		}
		report.Chunks++
	}
	return nil
}
