package bundle

import "io"

// Located records where one entry's payload begins within a seekable
// bundle stream, and how long it is.
type Located struct {
	Name         string
	PayloadStart int64
	PayloadSize  int64
	Header       Header
}

// Locate pre-scans a seekable archive stream and returns every entry in
// archive order, without reading payload bytes (it seeks past them), so a
// bundle staged to a regular file can have its images opened directly at
// their offset. The installer does not call it: every install path reads
// the bundle forward through Reader.
func Locate(rs io.ReadSeeker) ([]Located, error) {
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	var out []Located
	pos := start
	for {
		hdr, err := readHeader(rs)
		if err != nil {
			return nil, err
		}
		name, err := readName(rs, hdr.NameSize)
		if err != nil {
			return nil, err
		}
		headerAndName := int64(headerSize) + int64(hdr.NameSize)
		pad := int64((4 - int(headerAndName)%4) % 4)
		payloadStart := pos + headerAndName + pad

		if name == TrailerName {
			break
		}

		out = append(out, Located{
			Name:         name,
			PayloadStart: payloadStart,
			PayloadSize:  int64(hdr.PayloadSize),
			Header:       hdr,
		})

		payloadPad := payloadPadding(hdr.PayloadSize)
		next := payloadStart + int64(hdr.PayloadSize) + payloadPad
		if _, err := rs.Seek(next, io.SeekStart); err != nil {
			return nil, err
		}
		pos = next
	}

	return out, nil
}
