// Package stagekey derives staging keys that embed a caller credential in
// encrypted form, so the credential can be recovered when the key is drained
// without ever appearing in cleartext inside the key namespace.
package stagekey

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultNamespace prefixes every staging key.
	DefaultNamespace = "bookmarks"
	// DefaultOperation names the staged operation inside the namespace.
	DefaultOperation = "update"

	delimiter    = ":"
	keyParts     = 5
	keySizeBytes = 32
	ivLabel      = "bookmarks/stagekey/iv"
)

var (
	// ErrDecode reports a malformed or undecryptable staging key.
	ErrDecode = errors.New("stagekey: decode failed")
	// ErrInvalidResourceID reports an empty resource id or one containing the delimiter.
	ErrInvalidResourceID = errors.New("stagekey: invalid resource id")
	// ErrInvalidCredential reports an empty credential.
	ErrInvalidCredential = errors.New("stagekey: invalid credential")
	// ErrInvalidKey reports encryption key material of the wrong size or encoding.
	ErrInvalidKey = errors.New("stagekey: invalid encryption key")
	// ErrInvalidPrefix reports a namespace or operation that is empty or contains the delimiter.
	ErrInvalidPrefix = errors.New("stagekey: invalid namespace or operation")
)

// Codec encodes (resource id, credential) pairs into staging keys and back.
type Codec interface {
	Encode(resourceID, credential string) (string, error)
	Decode(key string) (resourceID, credential string, err error)
	// Pattern returns the glob matching every key this codec produces.
	Pattern() string
}

// Config configures an AES codec.
type Config struct {
	KeyHex    string
	Namespace string
	Operation string
}

// AESCodec encrypts credentials with AES-256-CBC under a synthetic IV: the
// first 16 bytes of an HMAC-SHA256 over the resource id and credential. The
// same pair always yields the same key, so repeated updates coalesce.
//
// Key layout: <namespace>:<operation>:<resourceId>:<ivHex>:<ciphertextHex>.
// Hex never contains the delimiter, so the split is unambiguous as long as the
// resource id itself is delimiter free.
type AESCodec struct {
	block     cipher.Block
	ivKey     []byte
	namespace string
	operation string
}

// NewAESCodec builds a codec from a 64 character hex encoded AES-256 key.
func NewAESCodec(cfg Config) (*AESCodec, error) {
	rawKey, err := hex.DecodeString(strings.TrimSpace(cfg.KeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(rawKey) != keySizeBytes {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, keySizeBytes, len(rawKey))
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	operation := strings.TrimSpace(cfg.Operation)
	if operation == "" {
		operation = DefaultOperation
	}
	if strings.Contains(namespace, delimiter) || strings.Contains(operation, delimiter) {
		return nil, ErrInvalidPrefix
	}

	ivMAC := hmac.New(sha256.New, rawKey)
	ivMAC.Write([]byte(ivLabel))

	return &AESCodec{
		block:     block,
		ivKey:     ivMAC.Sum(nil),
		namespace: namespace,
		operation: operation,
	}, nil
}

// Pattern returns the scan glob for keys produced by this codec.
func (c *AESCodec) Pattern() string {
	return c.namespace + delimiter + c.operation + delimiter + "*"
}

// Encode returns the staging key for the resource and credential.
func (c *AESCodec) Encode(resourceID, credential string) (string, error) {
	if resourceID == "" || strings.Contains(resourceID, delimiter) {
		return "", fmt.Errorf("%w: %q", ErrInvalidResourceID, resourceID)
	}
	if credential == "" {
		return "", ErrInvalidCredential
	}

	iv := c.syntheticIV(resourceID, credential)
	plaintext := pad([]byte(credential), aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, plaintext)

	return strings.Join([]string{
		c.namespace,
		c.operation,
		resourceID,
		hex.EncodeToString(iv),
		hex.EncodeToString(ciphertext),
	}, delimiter), nil
}

// Decode splits a staging key and recovers the credential.
func (c *AESCodec) Decode(key string) (string, string, error) {
	parts := strings.Split(key, delimiter)
	if len(parts) != keyParts {
		return "", "", fmt.Errorf("%w: expected %d components, got %d", ErrDecode, keyParts, len(parts))
	}
	if parts[0] != c.namespace || parts[1] != c.operation {
		return "", "", fmt.Errorf("%w: unexpected prefix %s:%s", ErrDecode, parts[0], parts[1])
	}
	resourceID := parts[2]
	if resourceID == "" {
		return "", "", fmt.Errorf("%w: empty resource id", ErrDecode)
	}

	iv, err := hex.DecodeString(parts[3])
	if err != nil || len(iv) != aes.BlockSize {
		return "", "", fmt.Errorf("%w: bad iv", ErrDecode)
	}
	ciphertext, err := hex.DecodeString(parts[4])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", "", fmt.Errorf("%w: bad ciphertext", ErrDecode)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)
	credential, err := unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", "", err
	}
	if len(credential) == 0 || !utf8.Valid(credential) {
		return "", "", fmt.Errorf("%w: credential not recoverable", ErrDecode)
	}
	// a rotated key or a tampered component decrypts to a pair whose IV differs
	if !hmac.Equal(iv, c.syntheticIV(resourceID, string(credential))) {
		return "", "", fmt.Errorf("%w: iv mismatch", ErrDecode)
	}

	return resourceID, string(credential), nil
}

func (c *AESCodec) syntheticIV(resourceID, credential string) []byte {
	mac := hmac.New(sha256.New, c.ivKey)
	mac.Write([]byte(resourceID))
	mac.Write([]byte{0})
	mac.Write([]byte(credential))
	return mac.Sum(nil)[:aes.BlockSize]
}

func pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrDecode)
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrDecode)
	}
	for _, value := range data[len(data)-padding:] {
		if int(value) != padding {
			return nil, fmt.Errorf("%w: bad padding", ErrDecode)
		}
	}
	return data[:len(data)-padding], nil
}
