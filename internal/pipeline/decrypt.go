package pipeline

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"io"
	"strings"

	"github.com/swupdate/agent-core/internal/errs"
)

// AESKey is the process-wide decryption resource: one key (128/192/256
// bit) plus a default 128-bit IV. Images may override the IV individually.
// It is installed once at startup (from a key file or by IPC, see
// internal/controller) and treated as read-only during installation,
// matching the design's shared-resource policy.
type AESKey struct {
	Key [32]byte
	Len int // 16, 24 or 32 bytes (128/192/256 bit)
	IV  [aes.BlockSize]byte
}

// ParseAESKeyLine parses the "<hex key> <hex ivt>" format the source
// project's load_decryption_key reads from a key file, also used by the
// controller's set-AES-key IPC message (spec.md §6): a whitespace-separated
// hex key (32/48/64 hex chars for AES 128/192/256) and a 32-hex-char
// initialization vector.
func ParseAESKeyLine(s string) (*AESKey, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, errs.New(errs.ManifestSyntax, "decryption key is not in the format <key> <ivt>")
	}
	keyBytes, err := hex.DecodeString(fields[0])
	if err != nil {
		return nil, errs.Wrap(errs.ManifestSyntax, err)
	}
	switch len(keyBytes) {
	case 16, 24, 32:
	default:
		return nil, errs.New(errs.ManifestSyntax, "invalid aes key length %d", len(keyBytes))
	}
	ivBytes, err := hex.DecodeString(fields[1])
	if err != nil || len(ivBytes) != aes.BlockSize {
		return nil, errs.New(errs.ManifestSyntax, "invalid ivt")
	}
	var k AESKey
	k.Len = len(keyBytes)
	copy(k.Key[:], keyBytes)
	copy(k.IV[:], ivBytes)
	return &k, nil
}

// NewDecryptReader wraps upstream with AES-CBC decryption. iv overrides
// key.IV when non-zero-length. Padding (PKCS#7) is stripped only once
// upstream reaches EOF, since the last ciphertext block cannot be
// identified (and thus its padding stripped) until then.
func NewDecryptReader(upstream io.Reader, key *AESKey, iv []byte) (io.Reader, error) {
	block, err := aes.NewCipher(key.Key[:key.Len])
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err)
	}
	effectiveIV := key.IV[:]
	if len(iv) != 0 {
		if len(iv) != aes.BlockSize {
			return nil, errs.New(errs.Transport, "image iv is %d bytes, want %d", len(iv), aes.BlockSize)
		}
		effectiveIV = iv
	}
	mode := cipher.NewCBCDecrypter(block, effectiveIV)
	return &decryptReader{upstream: upstream, mode: mode}, nil
}

type decryptReader struct {
	upstream io.Reader
	mode     cipher.BlockMode
	pending  []byte // ciphertext bytes not yet decrypted (multiple of block size)
	out      []byte // decrypted plaintext ready to be returned
	eof      bool
	readBuf  [windowSize]byte
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for {
		if len(d.out) > 0 {
			n := copy(p, d.out)
			d.out = d.out[n:]
			return n, nil
		}
		if d.eof {
			return 0, io.EOF
		}

		n, err := d.upstream.Read(d.readBuf[:])
		if n > 0 {
			d.pending = append(d.pending, d.readBuf[:n]...)
		}
		switch {
		case err == io.EOF:
			if len(d.pending)%aes.BlockSize != 0 {
				return 0, errs.New(errs.Transport, "ciphertext length %d not a multiple of block size", len(d.pending))
			}
			if len(d.pending) > 0 {
				plain := make([]byte, len(d.pending))
				d.mode.CryptBlocks(plain, d.pending)
				plain, perr := stripPKCS7(plain)
				if perr != nil {
					return 0, errs.Wrap(errs.Transport, perr)
				}
				d.out = plain
			}
			d.pending = nil
			d.eof = true
		case err != nil:
			return 0, errs.Wrap(errs.Resource, err)
		default:
			// Hold back the last full block (plus any incomplete trailing
			// bytes): we can't know it's the final ciphertext block, whose
			// padding must be stripped, until upstream reaches EOF.
			fullBlocks := len(d.pending) / aes.BlockSize
			if fullBlocks >= 2 {
				decryptable := (fullBlocks - 1) * aes.BlockSize
				plain := make([]byte, decryptable)
				d.mode.CryptBlocks(plain, d.pending[:decryptable])
				d.out = append(d.out, plain...)
				d.pending = d.pending[decryptable:]
			}
		}
	}
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errs.New(errs.Transport, "invalid PKCS#7 padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errs.New(errs.Transport, "invalid PKCS#7 padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
