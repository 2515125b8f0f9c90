// Package storage persists pairwise records: the durable bindings
// between relay-hosted DIDs and the agents or agent connections that own
// them. The router consults it to rebuild routes that are no longer
// resident in memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mesmerverse/agency-relay/wallet"
)

// MaxLookupAge bounds how old a signed lookup request may be.
const MaxLookupAge = 5 * time.Minute

var (
	ErrNotFound     = errors.New("pairwise record not found")
	ErrUnauthorized = errors.New("lookup request not authorized")
	ErrInvalid      = errors.New("invalid pairwise record")
)

// Kind says which entity a pairwise record belongs to.
type Kind string

const (
	KindAgent      Kind = "agent"
	KindConnection Kind = "connection"
)

// PairwiseRecord binds a relay-side DID (MyDID/MyVerkey) to the remote
// party it was created for (TheirDID/TheirVerkey). Records are owned by
// the forward agent whose verkey is OwnerVerkey.
type PairwiseRecord struct {
	Kind        Kind              `json:"kind"`
	OwnerVerkey string            `json:"owner_verkey"`
	MyDID       string            `json:"my_did"`
	MyVerkey    string            `json:"my_verkey"`
	TheirDID    string            `json:"their_did"`
	TheirVerkey string            `json:"their_verkey"`
	AgentDID    string            `json:"agent_did,omitempty"` // owning agent, connections only
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks the fields every record must carry.
func (r *PairwiseRecord) Validate() error {
	switch {
	case r.Kind != KindAgent && r.Kind != KindConnection:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, r.Kind)
	case r.OwnerVerkey == "":
		return fmt.Errorf("%w: owner verkey required", ErrInvalid)
	case r.MyDID == "" || r.MyVerkey == "":
		return fmt.Errorf("%w: my_did and my_verkey required", ErrInvalid)
	case r.TheirDID == "" || r.TheirVerkey == "":
		return fmt.Errorf("%w: their_did and their_verkey required", ErrInvalid)
	case r.Kind == KindConnection && r.AgentDID == "":
		return fmt.Errorf("%w: connection record requires agent_did", ErrInvalid)
	}
	return nil
}

// Store is the durable connection store.
type Store interface {
	// SavePairwise inserts or replaces the record keyed by MyDID.
	SavePairwise(ctx context.Context, rec *PairwiseRecord) error

	// FindPairwise returns the record owned by the requester whose
	// MyDID or MyVerkey equals req.Identity. The request must carry a
	// valid signature by req.OwnerVerkey.
	FindPairwise(ctx context.Context, req LookupRequest) (*PairwiseRecord, error)

	// ListPairwise returns every record owned by ownerVerkey.
	ListPairwise(ctx context.Context, ownerVerkey string) ([]PairwiseRecord, error)

	Close() error
}

// Signer signs lookup requests on behalf of a record owner.
type Signer interface {
	DID() string
	Verkey() string
	Sign(msg []byte) ([]byte, error)
}

// LookupRequest is a signed query for a pairwise record.
type LookupRequest struct {
	Identity    string `json:"identity"`
	OwnerDID    string `json:"owner_did"`
	OwnerVerkey string `json:"owner_verkey"`
	IssuedAt    int64  `json:"issued_at"`
	Signature   []byte `json:"signature"`
}

// NewLookupRequest builds and signs a lookup for identity.
func NewLookupRequest(signer Signer, identity string, now time.Time) (LookupRequest, error) {
	req := LookupRequest{
		Identity:    identity,
		OwnerDID:    signer.DID(),
		OwnerVerkey: signer.Verkey(),
		IssuedAt:    now.Unix(),
	}
	sig, err := signer.Sign(req.SigningBytes())
	if err != nil {
		return LookupRequest{}, fmt.Errorf("failed to sign lookup request: %w", err)
	}
	req.Signature = sig
	return req, nil
}

// SigningBytes is the canonical byte string covered by the signature.
func (r LookupRequest) SigningBytes() []byte {
	return []byte(strings.Join([]string{
		"pairwise-lookup",
		r.Identity,
		r.OwnerDID,
		r.OwnerVerkey,
		strconv.FormatInt(r.IssuedAt, 10),
	}, "\n"))
}

// Verify checks the request's freshness and signature.
func (r LookupRequest) Verify(now time.Time) error {
	if r.Identity == "" || r.OwnerVerkey == "" {
		return fmt.Errorf("%w: identity and owner verkey required", ErrUnauthorized)
	}

	issued := time.Unix(r.IssuedAt, 0)
	if age := now.Sub(issued); age > MaxLookupAge || age < -MaxLookupAge {
		return fmt.Errorf("%w: request issued %s ago", ErrUnauthorized, age.Round(time.Second))
	}

	ok, err := wallet.Verify(r.OwnerVerkey, r.SigningBytes(), r.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !ok {
		return fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}
	return nil
}
