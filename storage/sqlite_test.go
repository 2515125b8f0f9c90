package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mesmerverse/agency-relay/wallet"
)

type testOwner struct {
	signer *wallet.Signer
	dek    []byte
}

func newTestOwner(t *testing.T) testOwner {
	t.Helper()

	w, err := wallet.Open("storage-test", "secret")
	if err != nil {
		t.Fatalf("Failed to open wallet: %v", err)
	}
	info, err := w.CreateDID(nil)
	if err != nil {
		t.Fatalf("Failed to create DID: %v", err)
	}
	signer, err := w.Signer(info.DID)
	if err != nil {
		t.Fatalf("Failed to get signer: %v", err)
	}
	dek, err := w.DeriveKey("connection-store")
	if err != nil {
		t.Fatalf("Failed to derive DEK: %v", err)
	}
	return testOwner{signer: signer, dek: dek}
}

func newTestStore(t *testing.T, dek []byte) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"), dek)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func connectionRecord(owner string) *PairwiseRecord {
	return &PairwiseRecord{
		Kind:        KindConnection,
		OwnerVerkey: owner,
		MyDID:       "D3",
		MyVerkey:    "V3",
		TheirDID:    "TD3",
		TheirVerkey: "TV3",
		AgentDID:    "A1",
		Metadata:    map[string]string{"label": "alice"},
	}
}

func lookup(t *testing.T, signer Signer, identity string) LookupRequest {
	t.Helper()
	req, err := NewLookupRequest(signer, identity, time.Now())
	if err != nil {
		t.Fatalf("Failed to build lookup request: %v", err)
	}
	return req
}

func TestNewSQLiteStoreInvalidDEK(t *testing.T) {
	dek := make([]byte, 16)
	rand.Read(dek)

	if _, err := NewSQLiteStore(":memory:", dek); err == nil {
		t.Fatal("Expected error for invalid DEK size")
	}
}

func TestFindPairwiseByDIDAndVerkey(t *testing.T) {
	owner := newTestOwner(t)
	store := newTestStore(t, owner.dek)
	ctx := context.Background()

	if err := store.SavePairwise(ctx, connectionRecord(owner.signer.Verkey())); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	for _, identity := range []string{"D3", "V3"} {
		rec, err := store.FindPairwise(ctx, lookup(t, owner.signer, identity))
		if err != nil {
			t.Fatalf("FindPairwise(%q) failed: %v", identity, err)
		}
		if rec.MyDID != "D3" || rec.MyVerkey != "V3" {
			t.Errorf("FindPairwise(%q) returned %s/%s", identity, rec.MyDID, rec.MyVerkey)
		}
		if rec.Kind != KindConnection || rec.AgentDID != "A1" {
			t.Errorf("Unexpected record fields: %+v", rec)
		}
		if rec.Metadata["label"] != "alice" {
			t.Errorf("Expected metadata label 'alice', got %q", rec.Metadata["label"])
		}
	}
}

func TestFindPairwiseNotFound(t *testing.T) {
	owner := newTestOwner(t)
	store := newTestStore(t, owner.dek)

	_, err := store.FindPairwise(context.Background(), lookup(t, owner.signer, "D2"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestFindPairwiseScopedToOwner(t *testing.T) {
	owner := newTestOwner(t)
	other := newTestOwner(t)
	store := newTestStore(t, owner.dek)
	ctx := context.Background()

	if err := store.SavePairwise(ctx, connectionRecord(owner.signer.Verkey())); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	_, err := store.FindPairwise(ctx, lookup(t, other.signer, "D3"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for another owner, got %v", err)
	}
}

func TestFindPairwiseRejectsBadSignature(t *testing.T) {
	owner := newTestOwner(t)
	store := newTestStore(t, owner.dek)
	ctx := context.Background()

	if err := store.SavePairwise(ctx, connectionRecord(owner.signer.Verkey())); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	// Signed for D3 but asks for V3
	req := lookup(t, owner.signer, "D3")
	req.Identity = "V3"
	if _, err := store.FindPairwise(ctx, req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized for tampered request, got %v", err)
	}

	stale, err := NewLookupRequest(owner.signer, "D3", time.Now().Add(-2*MaxLookupAge))
	if err != nil {
		t.Fatalf("Failed to build stale request: %v", err)
	}
	if _, err := store.FindPairwise(ctx, stale); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized for stale request, got %v", err)
	}
}

func TestSavePairwiseUpsert(t *testing.T) {
	owner := newTestOwner(t)
	store := newTestStore(t, owner.dek)
	ctx := context.Background()

	rec := connectionRecord(owner.signer.Verkey())
	if err := store.SavePairwise(ctx, rec); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	rec.Metadata = map[string]string{"label": "bob"}
	if err := store.SavePairwise(ctx, rec); err != nil {
		t.Fatalf("Failed to update record: %v", err)
	}

	records, err := store.ListPairwise(ctx, owner.signer.Verkey())
	if err != nil {
		t.Fatalf("ListPairwise failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record after upsert, got %d", len(records))
	}
	if records[0].Metadata["label"] != "bob" {
		t.Errorf("Expected updated label 'bob', got %q", records[0].Metadata["label"])
	}
}

func TestSavePairwiseValidation(t *testing.T) {
	owner := newTestOwner(t)
	store := newTestStore(t, owner.dek)

	tests := []struct {
		name   string
		mutate func(*PairwiseRecord)
	}{
		{"unknown kind", func(r *PairwiseRecord) { r.Kind = "peer" }},
		{"no owner", func(r *PairwiseRecord) { r.OwnerVerkey = "" }},
		{"no my_verkey", func(r *PairwiseRecord) { r.MyVerkey = "" }},
		{"no their_did", func(r *PairwiseRecord) { r.TheirDID = "" }},
		{"connection without agent", func(r *PairwiseRecord) { r.AgentDID = "" }},
	}

	for _, tt := range tests {
		rec := connectionRecord(owner.signer.Verkey())
		tt.mutate(rec)
		if err := store.SavePairwise(context.Background(), rec); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", tt.name, err)
		}
	}
}

func TestMetadataSealedAtRest(t *testing.T) {
	owner := newTestOwner(t)
	path := filepath.Join(t.TempDir(), "relay.db")
	store, err := NewSQLiteStore(path, owner.dek)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	rec := connectionRecord(owner.signer.Verkey())
	rec.Metadata = map[string]string{"secret": "plaintext-marker"}
	if err := store.SavePairwise(context.Background(), rec); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	store.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read database file: %v", err)
	}
	wal, _ := os.ReadFile(path + "-wal")
	if bytes.Contains(data, []byte("plaintext-marker")) || bytes.Contains(wal, []byte("plaintext-marker")) {
		t.Error("Metadata stored in plaintext")
	}

	// A store opened with another key cannot read the metadata
	wrong := make([]byte, 32)
	rand.Read(wrong)
	reopened, err := NewSQLiteStore(path, wrong)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.FindPairwise(context.Background(), lookup(t, owner.signer, "D3")); err == nil {
		t.Error("Expected metadata decryption to fail with wrong DEK")
	}
}

func TestSealerRejectsMovedBlob(t *testing.T) {
	dek := make([]byte, 32)
	rand.Read(dek)
	sealer, err := NewSealer(dek)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	sealed, err := sealer.Seal([]byte("data"), "D1")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := sealer.Open(sealed, "D2"); err == nil {
		t.Error("Expected Open to fail with different associated data")
	}
	plain, err := sealer.Open(sealed, "D1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(plain) != "data" {
		t.Errorf("Expected 'data', got %q", plain)
	}
}
