package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"papervault/internal/fault"
)

const (
	// SymmetricKeySize is the AES-128 key size used for bulk encryption.
	SymmetricKeySize = 16
	// IVSize is the CBC initialization vector size.
	IVSize = aes.BlockSize
)

// GenerateSymmetricKey draws a fresh 16-byte key from the system CSPRNG.
// Keys are never derived from any other secret and never reused across files.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrRandomSourceFailed, err)
	}
	return key, nil
}

// GenerateIV draws a fresh 16-byte initialization vector from the system CSPRNG.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrRandomSourceFailed, err)
	}
	return iv, nil
}

// SymmetricEncrypt encrypts plaintext with AES-128-CBC and PKCS#7 padding.
//
// CBC provides confidentiality only. Callers must commit to Hash(plaintext)
// before encrypting and verify it again after decrypting; the cipher itself
// does not authenticate the ciphertext.
func SymmetricEncrypt(plaintext, key, iv []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fault.ErrInvalidKeyLength
	}
	if len(iv) != IVSize {
		return nil, fault.ErrInvalidIVLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidKeyLength, err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// SymmetricDecrypt reverses SymmetricEncrypt. Decrypting with the wrong key
// or IV either fails the padding check here or yields wrong plaintext that
// the caller's hash verification must catch.
func SymmetricDecrypt(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fault.ErrInvalidKeyLength
	}
	if len(iv) != IVSize {
		return nil, fault.ErrInvalidIVLength
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fault.ErrMalformedCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidKeyLength, err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fault.ErrDecryptionFailed
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fault.ErrDecryptionFailed
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fault.ErrDecryptionFailed
		}
	}
	return data[:len(data)-n], nil
}
