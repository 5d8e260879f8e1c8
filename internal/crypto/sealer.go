package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/mucan54/remoteql/internal/qerr"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16
)

// Sealer encrypts and decrypts whole payload bodies with AES-256-GCM.
// The wire layout is base64(iv || tag || ciphertext) with a fresh random
// 96-bit IV per message.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext into the wire layout.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := s.aead.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	payload := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	payload = append(payload, iv...)
	payload = append(payload, tag...)
	payload = append(payload, ciphertext...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Open decrypts a wire payload. Any tampering surfaces as a replay-class
// error and is never retried.
func (s *Sealer) Open(encoded string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, qerr.New(qerr.KindReplay, "encrypted payload is not valid base64")
	}
	if len(payload) < ivSize+tagSize {
		return nil, qerr.New(qerr.KindReplay, "encrypted payload is too short")
	}
	iv := payload[:ivSize]
	tag := payload[ivSize : ivSize+tagSize]
	ciphertext := payload[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := s.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, qerr.New(qerr.KindReplay, "payload decryption failed")
	}
	return plaintext, nil
}

// DeriveCallerKey derives a per-caller key from the server-held master key
// and the authenticated caller id. The caller id always comes from token
// verification, never from a client-supplied field.
func DeriveCallerKey(masterKey []byte, callerID string) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key is empty")
	}
	if callerID == "" {
		return nil, fmt.Errorf("caller id is empty")
	}
	reader := hkdf.New(sha256.New, masterKey, nil, []byte("remoteql/caller-key/"+callerID))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive caller key: %w", err)
	}
	return key, nil
}
