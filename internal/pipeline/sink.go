package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/swupdate/agent-core/internal/errs"
)

// ProgressFunc is invoked once per whole-percent advance of
// processed/declared, per spec.md §4.2's progress-emission rule.
type ProgressFunc func(percent int)

// HashVerifier accumulates a SHA-256 hash over every byte it sees and
// compares it to want once finalized. A nil or all-zero want disables
// verification, per spec.md §3 ("all-zero hash means do not check").
type HashVerifier struct {
	h    hash.Hash
	want []byte
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// NewHashVerifier builds a verifier for the declared SHA-256. Pass nil or
// an all-zero slice to disable verification.
func NewHashVerifier(want []byte) *HashVerifier {
	if len(want) == 0 || allZero(want) {
		return &HashVerifier{}
	}
	return &HashVerifier{h: sha256.New(), want: want}
}

func (v *HashVerifier) writer() io.Writer {
	if v.h == nil {
		return io.Discard
	}
	return v.h
}

// Finalize must be called after the terminal write completes and before
// reporting success, per spec.md §4.2.
func (v *HashVerifier) Finalize() error {
	if v.h == nil {
		return nil
	}
	got := v.h.Sum(nil)
	if hex.EncodeToString(got) != hex.EncodeToString(v.want) {
		return errs.New(errs.Integrity, "sha-256 mismatch: got %x want %x", got, v.want)
	}
	return nil
}

// progressTee reports whole-percent advances of processed/declared while
// passing bytes through unchanged.
type progressTee struct {
	upstream   io.Reader
	declared   int64
	processed  int64
	lastPct    int
	onProgress ProgressFunc
	hashWriter io.Writer
}

func (t *progressTee) Read(p []byte) (int, error) {
	n, err := t.upstream.Read(p)
	if n > 0 {
		if t.hashWriter != nil {
			t.hashWriter.Write(p[:n])
		}
		t.processed += int64(n)
		if t.declared > 0 && t.onProgress != nil {
			pct := int(t.processed * 100 / t.declared)
			if pct > 100 {
				pct = 100
			}
			if pct > t.lastPct {
				t.lastPct = pct
				t.onProgress(pct)
			}
		}
	}
	return n, err
}

// WithProgressAndHash wraps r so that reading it reports whole-percent
// progress against declared total bytes and feeds verifier's hash.
func WithProgressAndHash(r io.Reader, declared int64, verifier *HashVerifier, onProgress ProgressFunc) io.Reader {
	return &progressTee{upstream: r, declared: declared, onProgress: onProgress, hashWriter: verifier.writer()}
}

// CopyToHandler is the "copy-to-handler" terminal consumer: it calls write
// once per chunk read from r, stopping at the first error write returns.
func CopyToHandler(r io.Reader, write func([]byte) error) error {
	buf := make([]byte, windowSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := write(buf[:n]); werr != nil {
				return errs.Wrap(errs.Handler, werr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Discard is the "hash-only / discard" terminal consumer used when
// pre-scanning an archive purely to verify checksums.
func Discard(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	if err == io.EOF {
		return nil
	}
	return err
}

// TeeToFile is the "tee to file" terminal consumer: it writes r's bytes to
// f, optionally seeking to offset first.
func TeeToFile(r io.Reader, f *os.File, offset int64) error {
	if offset != 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return errs.Wrap(errs.Resource, err)
		}
	}
	_, err := io.Copy(f, r)
	if err != nil {
		return errs.Wrap(errs.Resource, err)
	}
	return nil
}
