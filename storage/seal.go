package storage

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts record metadata at rest with XChaCha20-Poly1305.
type Sealer struct {
	dek []byte
}

// NewSealer creates a sealer for a 32-byte data encryption key.
func NewSealer(dek []byte) (*Sealer, error) {
	if len(dek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("DEK must be %d bytes", chacha20poly1305.KeySize)
	}
	key := make([]byte, len(dek))
	copy(key, dek)
	return &Sealer{dek: key}, nil
}

// Seal encrypts plaintext and prepends the nonce. The record's MyDID is
// bound as associated data so sealed blobs cannot be moved between rows.
func (s *Sealer) Seal(plaintext []byte, ad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(ad)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(ciphertext []byte, ad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := ciphertext[:nonceSize]
	ciphertext = ciphertext[nonceSize:]

	return aead.Open(nil, nonce, ciphertext, []byte(ad))
}

func (s *Sealer) sealMetadata(rec *PairwiseRecord) ([]byte, error) {
	if len(rec.Metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	sealed, err := s.Seal(data, rec.MyDID)
	if err != nil {
		return nil, fmt.Errorf("failed to seal metadata: %w", err)
	}
	return sealed, nil
}

func (s *Sealer) openMetadata(rec *PairwiseRecord, sealed []byte) error {
	if len(sealed) == 0 {
		return nil
	}
	data, err := s.Open(sealed, rec.MyDID)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	if err := json.Unmarshal(data, &rec.Metadata); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	return nil
}
