package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"path"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/zip"
)

// readCaps bounds how much of an archive a worker will materialize.
type readCaps struct {
	maxFiles        int
	maxBytesPerFile int64
}

// entries returns a lazy sequence of (path, text) pairs for the archive.
// Only entries matching the kind's extension whitelist (and the book filter,
// if any) are read; oversized or unreadable entries are dropped with a debug
// log. Iteration stops after maxFiles yields.
//
// The only hard failure is an archive that can't be opened at all.
func entries(ctx context.Context, archive []byte, kind ResourceKind, bookFilter string, caps readCaps) (iter.Seq2[string, string], error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errArchiveCorrupt, err)
	}

	exts := kind.extensions()

	return func(yield func(string, string) bool) {
		yielded := 0
		for _, f := range zr.File {
			if yielded >= caps.maxFiles {
				return
			}
			if f.FileInfo().IsDir() {
				continue
			}
			name := f.Name
			if strings.HasPrefix(path.Base(name), ".") {
				continue
			}
			if !slices.Contains(exts, strings.ToLower(path.Ext(name))) {
				continue
			}
			if bookFilter != "" && !matchesBook(name, bookFilter) {
				continue
			}
			// The header size is declared, not trusted; the read below is
			// capped regardless.
			if int64(f.UncompressedSize64) > caps.maxBytesPerFile {
				Log(ctx).Debug("dropping oversized entry", "path", name, "bytes", f.UncompressedSize64)
				continue
			}

			text, ok := readEntry(f, caps.maxBytesPerFile)
			if !ok {
				Log(ctx).Debug("dropping unreadable entry", "path", name)
				continue
			}

			if !yield(name, text) {
				return
			}
			yielded++
		}
	}, nil
}

// readEntry materializes one entry, enforcing the per-file byte cap. A
// mis-encoded entry is decoded lossily rather than dropped.
func readEntry(f *zip.File, maxBytes int64) (string, bool) {
	rc, err := f.Open()
	if err != nil {
		return "", false
	}
	defer func() { _ = rc.Close() }()

	b, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return "", false
	}
	if int64(len(b)) > maxBytes {
		return "", false
	}

	if !utf8.Valid(b) {
		return strings.ToValidUTF8(string(b), "�"), true
	}
	return string(b), true
}
