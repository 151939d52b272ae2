// Package envelope implements the platform's encrypted message envelope:
// AES-256-CBC over a length-prefixed frame, padded with PKCS#7 to a 32-byte
// block, and the signed XML wrapper used for encrypted replies.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// padBlockSize is the PKCS#7 block size used by the platform. It is not
	// the AES block size.
	padBlockSize = 32
	randomPrefix = 16
	lengthPrefix = 4
)

var (
	ErrKeyLength  = errors.New("envelope: encoding key must decode to 32 bytes")
	ErrCiphertext = errors.New("envelope: malformed ciphertext")
)

// Cipher encrypts and decrypts message frames for one integration.
// It is safe for concurrent use.
type Cipher struct {
	block cipher.Block
	iv    []byte
	appID string
	rand  io.Reader
}

// NewCipher derives the AES key from the 43-character encoding key configured
// on the platform. The IV is the first 16 bytes of the key.
func NewCipher(encodingKey, appID string) (*Cipher, error) {
	key, err := DecodeKey(encodingKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Cipher{
		block: block,
		iv:    key[:aes.BlockSize],
		appID: appID,
		rand:  rand.Reader,
	}, nil
}

// DecodeKey base64-decodes the encoding key with a single "=" appended.
func DecodeKey(encodingKey string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encodingKey + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyLength, err)
	}
	if len(key) != 32 {
		return nil, ErrKeyLength
	}
	return key, nil
}

// AppID returns the integration id appended to encrypted frames.
func (c *Cipher) AppID() string { return c.appID }

// Decrypt opens a base64 ciphertext and returns the embedded message and the
// sender integration id that trails it. A frame too short to carry a message
// yields an empty message and no error; only input that cannot be decrypted
// at all is an error.
func (c *Cipher) Decrypt(encoded string) ([]byte, string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, "", fmt.Errorf("%w: length %d", ErrCiphertext, len(raw))
	}

	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plain, raw)
	plain = unpad(plain)

	if len(plain) < randomPrefix {
		return nil, "", nil
	}
	content := plain[randomPrefix:]
	if len(content) < lengthPrefix {
		return nil, "", nil
	}
	n := uint64(binary.BigEndian.Uint32(content[:lengthPrefix]))
	body := content[lengthPrefix:]
	if n > uint64(len(body)) {
		n = uint64(len(body))
	}
	return body[:n], string(body[n:]), nil
}

// Encrypt frames msg as random(16) || len(msg) || msg || appID, pads it and
// returns the base64 ciphertext.
func (c *Cipher) Encrypt(msg []byte) (string, error) {
	frame := make([]byte, randomPrefix+lengthPrefix, randomPrefix+lengthPrefix+len(msg)+len(c.appID)+padBlockSize)
	if _, err := io.ReadFull(c.rand, frame[:randomPrefix]); err != nil {
		return "", fmt.Errorf("generate prefix: %w", err)
	}
	binary.BigEndian.PutUint32(frame[randomPrefix:], uint32(len(msg)))
	frame = append(frame, msg...)
	frame = append(frame, c.appID...)
	frame = pad(frame)

	out := make([]byte, len(frame))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, frame)
	return base64.StdEncoding.EncodeToString(out), nil
}

// pad appends PKCS#7 padding to a 32-byte boundary. An already aligned frame
// gets a full block of 32.
func pad(b []byte) []byte {
	n := padBlockSize - len(b)%padBlockSize
	for i := 0; i < n; i++ {
		b = append(b, byte(n))
	}
	return b
}

// unpad strips the trailing pad. A pad byte outside 1..32 means the sender
// did not pad, so nothing is stripped.
func unpad(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	n := int(b[len(b)-1])
	if n < 1 || n > padBlockSize || n > len(b) {
		return b
	}
	return b[:len(b)-n]
}
