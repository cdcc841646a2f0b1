package pipeline

import (
	"bufio"
	"compress/gzip"
	"compress/zlib"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/swupdate/agent-core/internal/errs"
)

// CompressionKind mirrors spec.md §3's compression-kind enum.
type CompressionKind int

const (
	// CompressionNone passes bytes through unmodified.
	CompressionNone CompressionKind = iota
	// CompressionZlib decompresses a zlib- or gzip-framed stream ("expect
	// a gzip header, window bits = 15+16" per spec.md §4.2).
	CompressionZlib
	// CompressionZstd decompresses a zstd-framed stream.
	CompressionZstd
)

// NewDecompressReader wraps upstream with the transform named by kind. A
// CompressionNone kind returns upstream unchanged. Build-time errors
// (malformed frame header) surface immediately, matching the design's
// "non-recognized compression tag is a hard error at pipeline build time"
// rule — for zlib/gzip that means peeking the first two bytes before
// committing to a decoder, since Go's standard library exposes separate
// zlib and gzip readers where C's zlib auto-detects both from the same
// call (windowBits 15+16).
func NewDecompressReader(upstream io.Reader, kind CompressionKind) (io.Reader, error) {
	switch kind {
	case CompressionNone:
		return upstream, nil
	case CompressionZlib:
		return newAutoZlibReader(upstream)
	case CompressionZstd:
		dec, err := zstd.NewReader(upstream)
		if err != nil {
			return nil, errs.Wrap(errs.Transport, err)
		}
		return &zstdReaderAdapter{dec: dec}, nil
	default:
		return nil, errs.New(errs.ManifestSemantic, "unrecognized compression kind %d", kind)
	}
}

// zstdReaderAdapter adapts *zstd.Decoder (which exposes Close, not a plain
// io.Reader-compatible finalizer) to io.Reader, releasing resources once
// the upstream signals EOF.
type zstdReaderAdapter struct {
	dec *zstd.Decoder
}

func (z *zstdReaderAdapter) Read(p []byte) (int, error) {
	n, err := z.dec.Read(p)
	if err == io.EOF {
		z.dec.Close()
	} else if err != nil {
		z.dec.Close()
		return n, errs.Wrap(errs.Transport, err)
	}
	return n, err
}

// newAutoZlibReader detects, from the first two bytes, whether upstream
// carries a gzip or a zlib frame (the two framings the source's
// "windowBits 15+16" configuration auto-detects between) and builds the
// matching stdlib decompressor.
func newAutoZlibReader(upstream io.Reader) (io.Reader, error) {
	br := bufio.NewReader(upstream)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err)
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, errs.Wrap(errs.Transport, err)
		}
		return &finalizingReader{r: gr, closer: gr}, nil
	}
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err)
	}
	return &finalizingReader{r: zr, closer: zr}, nil
}

type finalizingReader struct {
	r      io.Reader
	closer io.Closer
	closed bool
}

func (f *finalizingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF && !f.closed {
		f.closed = true
		f.closer.Close()
	}
	return n, err
}
