package pipeline

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"testing"
)

// encryptPKCS7 is the test-only mirror of NewDecryptReader's encoder side:
// PKCS#7-pads plaintext to a block boundary and AES-CBC encrypts it, so
// tests can round-trip without a second production code path.
func encryptPKCS7(t *testing.T, key []byte, iv [aes.BlockSize]byte, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher() error: %v", err)
	}
	padLen := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return out
}

func TestDecryptReaderRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error: %v", err)
	}
	var iv [aes.BlockSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		t.Fatalf("rand.Read() error: %v", err)
	}
	plain := []byte("a message longer than one aes block, to exercise multiple blocks")
	ciphertext := encryptPKCS7(t, key, iv, plain)

	var aesKey AESKey
	aesKey.Len = 16
	copy(aesKey.Key[:], key)
	copy(aesKey.IV[:], iv[:])

	r, err := NewDecryptReader(bytes.NewReader(ciphertext), &aesKey, nil)
	if err != nil {
		t.Fatalf("NewDecryptReader() error: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q, want %q", got, plain)
	}
}

func TestDecryptReaderPerImageIVOverride(t *testing.T) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error: %v", err)
	}
	var defaultIV, imageIV [aes.BlockSize]byte
	if _, err := rand.Read(defaultIV[:]); err != nil {
		t.Fatalf("rand.Read() error: %v", err)
	}
	if _, err := rand.Read(imageIV[:]); err != nil {
		t.Fatalf("rand.Read() error: %v", err)
	}
	plain := []byte("per-image iv override payload")
	ciphertext := encryptPKCS7(t, key, imageIV, plain)

	var aesKey AESKey
	aesKey.Len = 16
	copy(aesKey.Key[:], key)
	copy(aesKey.IV[:], defaultIV[:])

	r, err := NewDecryptReader(bytes.NewReader(ciphertext), &aesKey, imageIV[:])
	if err != nil {
		t.Fatalf("NewDecryptReader() error: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q, want %q (iv override not honored)", got, plain)
	}
}

func TestDecryptReaderShortCiphertextFails(t *testing.T) {
	var aesKey AESKey
	aesKey.Len = 16
	r, err := NewDecryptReader(bytes.NewReader([]byte("not a multiple of 16")), &aesKey, nil)
	if err != nil {
		t.Fatalf("NewDecryptReader() error: %v", err)
	}
	if _, err := io.ReadAll(r); err == nil {
		t.Fatal("ReadAll() on a ciphertext that isn't a block multiple returned nil error")
	}
}
