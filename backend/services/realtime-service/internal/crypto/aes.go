package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/metric"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
)

// DefaultKey is used when crypto.encryption_key is not configured.
const DefaultKey = "defaultEncryptionKey123456"

const keySize = 32

var (
	ErrNotBase64      = fmt.Errorf("%w: not base64", apperr.ErrCodecFailure)
	ErrTooShort       = fmt.Errorf("%w: ciphertext too short", apperr.ErrCodecFailure)
	ErrAuthentication = fmt.Errorf("%w: authentication failed", apperr.ErrCodecFailure)
)

// DeriveKey zero-pads or truncates the UTF-8 bytes of secret to 32 bytes.
func DeriveKey(secret string) []byte {
	key := make([]byte, keySize)
	copy(key, secret)
	return key
}

func NewGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, errors.New("AES-256 requires 32 bytes key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(aead cipher.AEAD, data []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(data) < ns+aead.Overhead() {
		return nil, ErrTooShort
	}
	pt, err := aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}

// Codec encrypts message bodies at rest.
type Codec struct {
	aead cipher.AEAD
	log  *zap.SugaredLogger
}

func NewCodec(secret string, log *zap.SugaredLogger) (*Codec, error) {
	if secret == "" {
		log.Warn("crypto.encryption_key not set, using the built-in default key")
		secret = DefaultKey
	}
	aead, err := NewGCM(DeriveKey(secret))
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead, log: log}, nil
}

// Encrypt returns base64(nonce || ciphertext). Empty input is returned as is.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	out, err := seal(c.aead, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open is Decrypt with the failure reason exposed.
func (c *Codec) Open(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return text, ErrNotBase64
	}
	pt, err := open(c.aead, data)
	if err != nil {
		return text, err
	}
	return string(pt), nil
}

// Decrypt never fails: content stored before encryption was enabled, or
// content that does not authenticate, is returned unchanged.
func (c *Codec) Decrypt(text string) string {
	pt, err := c.Open(text)
	if err != nil {
		code := codeOf(err)
		metric.CodecPassthrough.WithLabelValues(code).Inc()
		c.log.Debugw("message body returned undecrypted", "code", code, "len", len(text))
		return text
	}
	return pt
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotBase64):
		return "not_base64"
	case errors.Is(err, ErrTooShort):
		return "too_short"
	case errors.Is(err, ErrAuthentication):
		return "auth_failed"
	default:
		return "unknown"
	}
}
