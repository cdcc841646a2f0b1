// Package pipeline implements the composable byte pipeline: source readers,
// decrypt/decompress transform steps, and terminal consumers, chained as
// plain io.Reader wrappers. Go's io.Reader is already the pull-based,
// forward-only, "caller supplies the buffer" contract the design calls for
// (§4.2's step(state, out_buf) -> bytes_written | Eof | Error is exactly
// io.Reader.Read's shape), so each step here is implemented as a reader
// that wraps its upstream reader rather than as a hand-rolled state
// machine — the idiomatic Go rendition of the source project's chain of
// nested conditional-compilation callbacks.
package pipeline

import (
	"bytes"
	"io"

	"github.com/swupdate/agent-core/internal/errs"
)

// windowSize is the buffered-input window every step maintains, mirroring
// the ~16 KiB window the design specifies per step.
const windowSize = 16 * 1024

// Tracker accumulates the running byte-sum checksum and/or SHA-256 hash of
// everything that has passed through a source step, exactly like the
// original per-image tracking of offset/checksum/hash.
type Tracker struct {
	hash  io.Writer // nil if no hash requested
	Sum   uint32
	Total int64
}

func (t *Tracker) observe(p []byte) {
	t.Total += int64(len(p))
	if t.hash != nil {
		t.hash.Write(p)
	}
	for _, b := range p {
		t.Sum += uint32(b)
	}
}

// boundedSource reads exactly Budget bytes from an upstream io.Reader,
// failing with a Transport error if the upstream reaches EOF first.
type boundedSource struct {
	upstream io.Reader
	budget   int64
	read     int64
	tracker  *Tracker
}

// NewFileSource wraps r (typically an open file descriptor or a socket)
// so that reading past budget bytes is impossible and reaching upstream
// EOF before budget bytes are read is an error. If t is non-nil, every
// byte read updates its checksum/hash.
func NewFileSource(r io.Reader, budget int64, t *Tracker) io.Reader {
	if t == nil {
		t = &Tracker{}
	}
	return &boundedSource{upstream: r, budget: budget, tracker: t}
}

func (s *boundedSource) Read(p []byte) (int, error) {
	remaining := s.budget - s.read
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.upstream.Read(p)
	if n > 0 {
		s.read += int64(n)
		s.tracker.observe(p[:n])
	}
	if err == io.EOF && s.read < s.budget {
		return n, errs.New(errs.Transport, "upstream EOF mid-payload (%d/%d bytes)", s.read, s.budget)
	}
	if err != nil && err != io.EOF {
		return n, errs.Wrap(errs.Resource, err)
	}
	return n, nil
}

// NewMemorySource wraps an in-memory payload as a source step, tracking
// checksum/hash the same way a file-descriptor source does.
func NewMemorySource(data []byte, t *Tracker) io.Reader {
	if t == nil {
		t = &Tracker{}
	}
	return &trackingReader{upstream: bytes.NewReader(data), tracker: t}
}

type trackingReader struct {
	upstream io.Reader
	tracker  *Tracker
}

func (s *trackingReader) Read(p []byte) (int, error) {
	n, err := s.upstream.Read(p)
	if n > 0 {
		s.tracker.observe(p[:n])
	}
	return n, err
}

// NewSHA256Tracker returns a Tracker that accumulates a running SHA-256
// hash in addition to the byte-sum checksum.
func NewSHA256Tracker(h io.Writer) *Tracker {
	return &Tracker{hash: h}
}
