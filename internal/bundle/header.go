// Package bundle implements the CPIO "new ASCII" bundle reader: enumerating
// entries, validating their framing, and optionally pre-scanning a seekable
// stream to locate entry offsets. The on-the-wire header layout is grounded
// on the teacher's hand-rolled cpioHeader struct (rpm/payload.go), which
// already encodes the same 110-byte ASCII-hex record this format uses.
package bundle

import (
	"encoding/hex"
	"io"

	"github.com/swupdate/agent-core/internal/errs"
)

// Format distinguishes the two accepted magic numbers.
type Format int

const (
	// NewASCII is magic "070701"; its checksum field is ignored.
	NewASCII Format = iota
	// CRCASCII is magic "070702"; its checksum field must equal the
	// unsigned byte-sum of the payload modulo 2^32.
	CRCASCII
)

// MaxImageFileName bounds entry name length, mirroring MAX_IMAGE_FNAME.
const MaxImageFileName = 255

// TrailerName is the sentinel entry name that ends the archive.
const TrailerName = "TRAILER!!!"

const (
	magicNewASCII = "070701"
	magicCRCASCII = "070702"
	headerSize    = 110
	fieldWidth    = 8
)

// Header is the parsed fixed-width CPIO entry header (spec.md §6). Only the
// fields the agent needs are exposed; the rest of the 110-byte record
// (inode, mode, uid/gid, nlink, mtime, dev/rdev major/minor) is validated
// for hex-ness but not otherwise interpreted.
type Header struct {
	Format      Format
	PayloadSize uint32
	NameSize    uint32
	Checksum    uint32
}

// readHeader reads and parses one 110-byte header record.
func readHeader(r io.Reader) (Header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, errs.New(errs.BundleFormat, "truncated cpio header: %v", err)
		}
		return Header{}, errs.Wrap(errs.Resource, err)
	}

	magic := string(buf[0:6])
	var format Format
	switch magic {
	case magicNewASCII:
		format = NewASCII
	case magicCRCASCII:
		format = CRCASCII
	default:
		return Header{}, errs.New(errs.BundleFormat, "unknown cpio magic %q", magic)
	}

	field := func(offset int) (uint32, error) {
		raw := buf[offset : offset+fieldWidth]
		v, err := hexField(raw)
		if err != nil {
			return 0, errs.New(errs.BundleFormat, "non-hex header field %q: %v", raw, err)
		}
		return v, nil
	}

	// Offsets per spec.md §6: magic[6] ino[8] mode[8] uid[8] gid[8]
	// nlink[8] mtime[8] filesize[8] dev_maj[8] dev_min[8] rdev_maj[8]
	// rdev_min[8] namesize[8] chksum[8]. ino/mode/uid/gid/nlink/mtime/
	// dev/rdev fields are validated for hex-ness but otherwise unused.
	var filesize, namesize, checksum uint32
	for _, off := range []int{6, 14, 22, 30, 38, 46, 54, 62, 70, 78, 86, 94, 102} {
		v, err := field(off)
		if err != nil {
			return Header{}, err
		}
		switch off {
		case 54:
			filesize = v
		case 94:
			namesize = v
		case 102:
			checksum = v
		}
	}

	return Header{
		Format:      format,
		PayloadSize: filesize,
		NameSize:    namesize,
		Checksum:    checksum,
	}, nil
}

func hexField(raw []byte) (uint32, error) {
	dst := make([]byte, 4)
	if _, err := hex.Decode(dst, raw); err != nil {
		return 0, err
	}
	return uint32(dst[0])<<24 | uint32(dst[1])<<16 | uint32(dst[2])<<8 | uint32(dst[3]), nil
}

// readName reads the NUL-terminated entry name of the declared size and
// consumes padding up to the next 4-byte boundary, counted from the start
// of the header.
func readName(r io.Reader, nameSize uint32) (string, error) {
	if nameSize == 0 || nameSize > MaxImageFileName+1 {
		return "", errs.New(errs.BundleFormat, "name too long or empty (size=%d)", nameSize)
	}
	raw := make([]byte, nameSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", errs.Wrap(errs.Resource, err)
	}
	name := string(raw[:len(raw)-1]) // strip NUL terminator

	// padding: header (110) + name bytes must land on a 4-byte boundary
	total := headerSize + int(nameSize)
	if pad := (4 - total%4) % 4; pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return "", errs.Wrap(errs.Resource, err)
		}
	}
	return name, nil
}

// payloadPadding returns the number of padding bytes following a payload of
// the given size, to reach a 4-byte boundary.
func payloadPadding(size uint32) int64 {
	return int64((4 - int(size)%4) % 4)
}
