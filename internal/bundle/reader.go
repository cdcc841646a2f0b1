package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/swupdate/agent-core/internal/errs"
)

// Entry describes one located bundle entry: its header plus the name that
// follows it. The payload itself has not been read yet.
type Entry struct {
	Header
	Name string
}

// IsTrailer reports whether this entry is the archive terminator.
func (e Entry) IsTrailer() bool {
	return e.Name == TrailerName
}

// Reader enumerates entries of a forward-only CPIO "new ASCII" stream. It
// never seeks; Locate (in locate.go) is the seekable pre-scan counterpart.
type Reader struct {
	r                io.Reader
	atEnd            bool
	bytesLeftInEntry int64
}

// NewReader wraps r for sequential entry enumeration.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next reads the next entry's header and name. It returns (Entry{}, false,
// nil) once TRAILER!!! has been consumed; callers must not call Next again
// afterwards except to drain padding via DrainTrailerPadding.
func (br *Reader) Next() (Entry, bool, error) {
	if br.atEnd {
		return Entry{}, false, nil
	}
	if br.bytesLeftInEntry != 0 {
		return Entry{}, false, errs.New(errs.BundleFormat, "previous entry payload not fully consumed")
	}

	hdr, err := readHeader(br.r)
	if err != nil {
		return Entry{}, false, err
	}
	name, err := readName(br.r, hdr.NameSize)
	if err != nil {
		return Entry{}, false, err
	}

	entry := Entry{Header: hdr, Name: name}
	if entry.IsTrailer() {
		br.atEnd = true
		return entry, false, nil
	}
	br.bytesLeftInEntry = int64(hdr.PayloadSize)
	return entry, true, nil
}

// PayloadReader returns an io.Reader bounded to the current entry's
// payload; the caller must read it to completion (or call SkipPayload)
// before calling Next again. verifyChecksum/verifyHash are consulted at
// EOF of the bounded reader: for CRCASCII entries with verifyChecksum set,
// a mismatched byte-sum fails; if want is non-nil, a mismatched SHA-256
// fails too.
func (br *Reader) PayloadReader(entry Entry, verifyChecksum bool, want []byte) io.Reader {
	return &payloadReader{
		br:             br,
		limit:          int64(entry.PayloadSize),
		checksumWanted: verifyChecksum && entry.Format == CRCASCII,
		wantChecksum:   entry.Checksum,
		wantHash:       want,
	}
}

type payloadReader struct {
	br             *Reader
	limit          int64
	read           int64
	sum            uint32
	h              hash.Hash
	checksumWanted bool
	wantChecksum   uint32
	wantHash       []byte
	finished       bool
}

func (p *payloadReader) Read(buf []byte) (int, error) {
	if p.finished {
		return 0, io.EOF
	}
	if p.h == nil && len(p.wantHash) > 0 {
		p.h = sha256.New()
	}
	remaining := p.limit - p.read
	if remaining <= 0 {
		return 0, p.finish()
	}
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	n, err := p.br.r.Read(buf)
	if n > 0 {
		for _, b := range buf[:n] {
			p.sum += uint32(b)
		}
		if p.h != nil {
			p.h.Write(buf[:n])
		}
		p.read += int64(n)
		p.br.bytesLeftInEntry -= int64(n)
	}
	if err == io.EOF && p.read < p.limit {
		return n, errs.New(errs.Transport, "upstream EOF mid-payload (%d/%d bytes)", p.read, p.limit)
	}
	if err != nil && err != io.EOF {
		return n, errs.Wrap(errs.Resource, err)
	}
	if p.read == p.limit {
		fin := p.finish()
		if fin != io.EOF {
			return n, fin
		}
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, nil
}

func (p *payloadReader) finish() error {
	if p.finished {
		return io.EOF
	}
	p.finished = true

	if p.checksumWanted && p.sum != p.wantChecksum {
		return errs.New(errs.Integrity, "crc-ascii checksum mismatch: got %08x want %08x", p.sum, p.wantChecksum)
	}
	if len(p.wantHash) > 0 {
		got := p.h.Sum(nil)
		if hex.EncodeToString(got) != hex.EncodeToString(p.wantHash) {
			return errs.New(errs.Integrity, "sha-256 mismatch: got %x want %x", got, p.wantHash)
		}
	}

	// consume payload padding so the stream is positioned at the next
	// header.
	pad := payloadPadding(uint32(p.limit))
	if pad > 0 {
		if _, err := io.CopyN(io.Discard, p.br.r, pad); err != nil {
			return errs.Wrap(errs.Resource, err)
		}
	}
	return io.EOF
}

// ReadManifestEntry reads br's first entry in full and returns its
// checksum-verified payload bytes. The manifest always leads the archive
// (spec.md §3), so this is the one read every install path — direct file
// or streamed over a socket connection — performs before handing br to
// the installer positioned at the first image/script entry.
func ReadManifestEntry(br *Reader) ([]byte, error) {
	entry, ok, err := br.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.BundleFormat, "bundle archive has no entries")
	}
	return io.ReadAll(br.PayloadReader(entry, true, nil))
}

// SkipPayload reads and discards an entry's payload without yielding it,
// still validating checksum/hash per the same rules as PayloadReader.
func (br *Reader) SkipPayload(entry Entry, verifyChecksum bool, want []byte) error {
	pr := br.PayloadReader(entry, verifyChecksum, want)
	_, err := io.Copy(io.Discard, pr)
	return err
}

// DrainTrailerPadding makes one best-effort, non-blocking-in-spirit attempt
// to consume up to 512 bytes of post-trailer padding. Per the design's
// resolution of the corresponding open question, this is intentionally a
// single bounded read, not a retry loop: a peer that keeps sending after
// the logical trailer is simply left unread once the installer is done
// with this stream.
func (br *Reader) DrainTrailerPadding() {
	const maxPad = 512
	var buf [maxPad]byte
	br.r.Read(buf[:]) //nolint:errcheck // best-effort only
}
