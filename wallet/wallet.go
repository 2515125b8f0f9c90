// Package wallet holds the relay's DID key material: ed25519 signing
// keys addressed by base58 verkey, indy-style DIDs, and keys derived
// from the wallet master secret for sealing data at rest.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for the wallet master key.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	masterKeySize = 32
)

var (
	ErrUnknownKey      = errors.New("key not found in wallet")
	ErrUnknownDID      = errors.New("DID not found in wallet")
	ErrInvalidSeed     = errors.New("seed must be 32 bytes")
	ErrInvalidVerkey   = errors.New("invalid verkey")
	ErrEmptyPassphrase = errors.New("wallet passphrase is empty")
)

// DIDInfo is a DID and its current verkey.
type DIDInfo struct {
	DID    string `json:"did"`
	Verkey string `json:"verkey"`
}

// Wallet is an in-memory key store. Keys live for the lifetime of the
// process; durable identities are recreated from seeds.
type Wallet struct {
	name   string
	master []byte

	keys map[string]ed25519.PrivateKey // verkey -> private key
	dids map[string]string             // did -> verkey

	mu sync.RWMutex
}

// Open derives the wallet master key from passphrase and returns an
// empty wallet. The same name and passphrase always produce the same
// master key.
func Open(name, passphrase string) (*Wallet, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	salt := sha256.Sum256([]byte("agency-relay-wallet:" + name))
	master := argon2.IDKey([]byte(passphrase), salt[:], argon2Time, argon2Memory, argon2Threads, masterKeySize)

	log.Debug().Str("wallet", name).Msg("Wallet opened")

	return &Wallet{
		name:   name,
		master: master,
		keys:   make(map[string]ed25519.PrivateKey),
		dids:   make(map[string]string),
	}, nil
}

// Name returns the wallet name.
func (w *Wallet) Name() string {
	return w.name
}

// CreateDID creates a new DID. A nil seed yields a random key; a
// 32-byte seed yields a deterministic one.
func (w *Wallet) CreateDID(seed []byte) (DIDInfo, error) {
	var priv ed25519.PrivateKey
	switch {
	case seed == nil:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return DIDInfo{}, fmt.Errorf("failed to generate key: %w", err)
		}
		priv = key
	case len(seed) == ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(seed)
	default:
		return DIDInfo{}, ErrInvalidSeed
	}

	pub := priv.Public().(ed25519.PublicKey)
	info := DIDInfo{
		DID:    base58.Encode(pub[:16]),
		Verkey: base58.Encode(pub),
	}

	w.mu.Lock()
	w.keys[info.Verkey] = priv
	w.dids[info.DID] = info.Verkey
	w.mu.Unlock()

	return info, nil
}

// KeyForDID returns the verkey stored for did.
func (w *Wallet) KeyForDID(did string) (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	verkey, ok := w.dids[did]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDID, did)
	}
	return verkey, nil
}

// Sign signs msg with the key for verkey.
func (w *Wallet) Sign(verkey string, msg []byte) ([]byte, error) {
	w.mu.RLock()
	priv, ok := w.keys[verkey]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, verkey)
	}
	return ed25519.Sign(priv, msg), nil
}

// Verify checks sig over msg against a base58 verkey.
func Verify(verkey string, msg, sig []byte) (bool, error) {
	pub, err := base58.Decode(verkey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidVerkey, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: %d bytes", ErrInvalidVerkey, len(pub))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}

// DeriveKey derives a 32-byte key for purpose from the master key.
func (w *Wallet) DeriveKey(purpose string) ([]byte, error) {
	reader := hkdf.New(sha256.New, w.master, []byte(w.name), []byte("agency-relay:"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// Signer returns a signing handle for did.
func (w *Wallet) Signer(did string) (*Signer, error) {
	verkey, err := w.KeyForDID(did)
	if err != nil {
		return nil, err
	}
	return &Signer{wallet: w, did: did, verkey: verkey}, nil
}

// Signer is a handle to one DID in a wallet.
type Signer struct {
	wallet *Wallet
	did    string
	verkey string
}

func (s *Signer) DID() string    { return s.did }
func (s *Signer) Verkey() string { return s.verkey }

// Sign signs msg with the handle's key.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return s.wallet.Sign(s.verkey, msg)
}
