// Package crypto provides the at-rest encryption primitive used by the
// cache store and, optionally, the address book and saved-password
// fallback: AES-256-CBC with a PBKDF2-derived per-blob key and a SHA-256
// integrity tag, matching spec section 4.1 and 6.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32 // AES-256
	pbkdf2Iter = 200_000
	sumSize    = sha256.Size
)

// ErrIntegrity is returned by Open when the decrypted plaintext's checksum
// doesn't match what was sealed — either the wrong key was used or the
// blob is corrupt.
var ErrIntegrity = eris.New("crypto: integrity check failed")

// Encryptor seals and opens blobs under a single passphrase. Every Seal
// call picks a fresh random salt, so two calls with the same plaintext
// produce different ciphertext.
type Encryptor struct {
	passphrase string
}

// NewEncryptor returns an Encryptor bound to the given passphrase. The
// passphrase is never stored in cleartext on disk; only the derived,
// salted key touches the cipher.
func NewEncryptor(passphrase string) *Encryptor {
	return &Encryptor{passphrase: passphrase}
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iter, keySize, sha256.New)
}

// Seal encrypts plaintext, returning
// salt(16) || iv(16) || ciphertext || sha256(plaintext) as a single blob.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}

	key := deriveKey(e.passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	sum := sha256.Sum256(plaintext)

	out := make([]byte, 0, saltSize+aes.BlockSize+len(ciphertext)+sumSize)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, sum[:]...)
	return out, nil
}

// Open reverses Seal, returning ErrIntegrity if the wrong passphrase was
// used or the blob has been tampered with/corrupted.
func (e *Encryptor) Open(blob []byte) ([]byte, error) {
	if len(blob) < saltSize+aes.BlockSize+sumSize {
		return nil, eris.Wrap(ErrIntegrity, "blob too short")
	}

	salt := blob[:saltSize]
	iv := blob[saltSize : saltSize+aes.BlockSize]
	rest := blob[saltSize+aes.BlockSize:]
	ciphertext := rest[:len(rest)-sumSize]
	wantSum := rest[len(rest)-sumSize:]

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, eris.Wrap(ErrIntegrity, "ciphertext not block-aligned")
	}

	key := deriveKey(e.passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded)
	if err != nil {
		return nil, eris.Wrap(ErrIntegrity, "padding invalid (wrong key?)")
	}

	gotSum := sha256.Sum256(plaintext)
	if !bytes.Equal(gotSum[:], wantSum) {
		return nil, ErrIntegrity
	}

	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("crypto: empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("crypto: invalid padding length")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("crypto: invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
