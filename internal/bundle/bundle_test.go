package bundle

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"testing"
)

// buildEntry writes one CPIO "new ASCII"/"CRC ASCII" header+name+payload
// record, matching the on-wire layout readHeader/readName expect.
func buildEntry(buf *bytes.Buffer, magic string, name string, payload []byte, checksum uint32) {
	field := func(v uint32) string { return fmt.Sprintf("%08X", v) }
	buf.WriteString(magic)
	buf.WriteString(field(0))                  // ino
	buf.WriteString(field(0100644))             // mode
	buf.WriteString(field(0))                   // uid
	buf.WriteString(field(0))                   // gid
	buf.WriteString(field(1))                   // nlink
	buf.WriteString(field(0))                   // mtime
	buf.WriteString(field(uint32(len(payload)))) // filesize
	buf.WriteString(field(0))                   // dev_maj
	buf.WriteString(field(0))                   // dev_min
	buf.WriteString(field(0))                   // rdev_maj
	buf.WriteString(field(0))                   // rdev_min
	buf.WriteString(field(uint32(len(name) + 1))) // namesize, including NUL
	buf.WriteString(field(checksum))            // chksum

	nameBytes := append([]byte(name), 0)
	buf.Write(nameBytes)
	headerAndName := headerSize + len(nameBytes)
	if pad := (4 - headerAndName%4) % 4; pad > 0 {
		buf.Write(make([]byte, pad))
	}

	buf.Write(payload)
	if pad := payloadPadding(uint32(len(payload))); pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

func buildTrailer(buf *bytes.Buffer) {
	buildEntry(buf, magicNewASCII, TrailerName, nil, 0)
}

func byteSum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return sum
}

// ListNames uses gocpio as its base decoder, so it only has to understand
// the plain "new ASCII" magic (not the CRC-ASCII variant the hand-rolled
// Reader also supports); this exercises the diagnostic listing path against
// a multi-entry archive built the same way as the hot-path reader tests.
func TestListNamesListsEntriesInArchiveOrder(t *testing.T) {
	var buf bytes.Buffer
	buildEntry(&buf, magicNewASCII, "sw-description", []byte("version=\"1.0\"\n"), 0)
	buildEntry(&buf, magicNewASCII, "rootfs.ext4", []byte("image bytes"), 0)
	buildTrailer(&buf)

	names, err := ListNames(buf.Bytes())
	if err != nil {
		t.Fatalf("ListNames() error: %v", err)
	}
	want := []string{"sw-description", "rootfs.ext4"}
	if len(names) != len(want) {
		t.Fatalf("ListNames() = %v, want %v", names, want)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("ListNames()[%d] = %q, want %q", i, names[i], n)
		}
	}
}

func TestReaderNextAndPayload(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello image payload")
	buildEntry(&buf, magicNewASCII, "sw-description", payload, 0)
	buildTrailer(&buf)

	r := NewReader(&buf)
	entry, ok, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if !ok {
		t.Fatal("Next() ok = false on first real entry")
	}
	if entry.Name != "sw-description" {
		t.Fatalf("Name = %q, want sw-description", entry.Name)
	}
	if entry.PayloadSize != uint32(len(payload)) {
		t.Fatalf("PayloadSize = %d, want %d", entry.PayloadSize, len(payload))
	}

	got, err := io.ReadAll(r.PayloadReader(entry, true, nil))
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}

	_, ok, err = r.Next()
	if err != nil {
		t.Fatalf("Next() at trailer error: %v", err)
	}
	if ok {
		t.Fatal("Next() ok = true at trailer, want false")
	}
}

func TestReaderCRCChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("some bytes")
	buildEntry(&buf, magicCRCASCII, "image.bin", payload, byteSum(payload)+1)
	buildTrailer(&buf)

	r := NewReader(&buf)
	entry, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", entry, ok, err)
	}
	if _, err := io.ReadAll(r.PayloadReader(entry, true, nil)); err == nil {
		t.Fatal("reading payload with bad checksum returned nil error")
	}
}

func TestReaderCRCChecksumOK(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("some bytes")
	buildEntry(&buf, magicCRCASCII, "image.bin", payload, byteSum(payload))
	buildTrailer(&buf)

	r := NewReader(&buf)
	entry, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", entry, ok, err)
	}
	if _, err := io.ReadAll(r.PayloadReader(entry, true, nil)); err != nil {
		t.Fatalf("reading payload with correct checksum: %v", err)
	}
}

func TestReaderSHA256Mismatch(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("payload bytes for hashing")
	buildEntry(&buf, magicNewASCII, "rootfs.ext4", payload, 0)
	buildTrailer(&buf)

	r := NewReader(&buf)
	entry, _, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	wrongHash := make([]byte, sha256.Size)
	if _, err := io.ReadAll(r.PayloadReader(entry, true, wrongHash)); err == nil {
		t.Fatal("reading payload with wrong sha256 returned nil error")
	}
}

func TestLocate(t *testing.T) {
	var buf bytes.Buffer
	first := []byte("manifest contents")
	second := []byte("image contents, a bit longer than the first")
	buildEntry(&buf, magicNewASCII, "sw-description", first, 0)
	buildEntry(&buf, magicNewASCII, "rootfs.ext4", second, 0)
	buildTrailer(&buf)

	located, err := Locate(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Locate() error: %v", err)
	}
	if len(located) != 2 {
		t.Fatalf("len(located) = %d, want 2", len(located))
	}
	if located[0].Name != "sw-description" || located[0].PayloadSize != int64(len(first)) {
		t.Fatalf("located[0] = %+v", located[0])
	}
	if located[1].Name != "rootfs.ext4" || located[1].PayloadSize != int64(len(second)) {
		t.Fatalf("located[1] = %+v", located[1])
	}

	got := buf.Bytes()[located[1].PayloadStart : located[1].PayloadStart+located[1].PayloadSize]
	if !bytes.Equal(got, second) {
		t.Fatalf("located[1] payload = %q, want %q", got, second)
	}
}

func TestReaderUnknownMagic(t *testing.T) {
	var buf bytes.Buffer
	buildEntry(&buf, "070703", "bogus", nil, 0)

	r := NewReader(&buf)
	if _, _, err := r.Next(); err == nil {
		t.Fatal("Next() with unknown magic returned nil error")
	}
}
