package bundle

import (
	"bytes"
	"io"

	cpio "github.com/surma/gocpio"
)

// ListNames enumerates every entry name in a CPIO "new ASCII" archive held
// entirely in memory, using gocpio (the teacher's own CPIO dependency,
// already used by src/dump-package/impl/archive.go's DumpCpio to list
// archive contents for diagnostics) as the base decoder. This is the
// bundle's diagnostic/listing path (-c / dry-run inspection): the
// installation hot path keeps the hand-rolled Reader in reader.go instead,
// because gocpio has no notion of the CRC-ASCII checksum variant spec.md
// requires and cannot be driven incrementally off an unseekable socket fd.
func ListNames(data []byte) ([]string, error) {
	cr := cpio.NewReader(bytes.NewReader(data))
	var names []string
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.IsTrailer() {
			break
		}
		names = append(names, hdr.Name)
		if _, err := io.Copy(io.Discard, cr); err != nil {
			return nil, err
		}
	}
	return names, nil
}
