package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// cacheEnvelope is the on-disk wrapper distinguishing a sealed document
// from a plaintext one (the backward-compatibility path for when no
// signer/NIP-44 is available at write time).
type cacheEnvelope struct {
	Encrypted bool   `json:"encrypted"`
	Data      string `json:"data,omitempty"`
}

// CacheStore persists one conversation snapshot per user pubkey, sealed
// with NIP-44 against the user's own key when a signer is available. It is
// backed by kvStore (dm_store.go), an origin-scoped file store.
type CacheStore struct {
	kv kvStore
}

func newCacheStore(kv kvStore) *CacheStore {
	return &CacheStore{kv: kv}
}

// write serializes doc to compact JSON; if signer is non-nil and supports
// NIP-44, the serialized text is sealed against the user's own pubkey
// before storage. A nil signer stores the document as-is, the backward
// compatibility path for signers without NIP-44.
func (c *CacheStore) write(ctx context.Context, userPubKey string, doc *CacheDocument, signer Signer) error {
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cache write: marshal: %w", err)
	}

	if signer == nil {
		return c.kv.put(userPubKey, cacheEnvelope{Encrypted: false, Data: string(plaintext)})
	}

	ciphertext, err := selfEncrypt(ctx, signer, string(plaintext))
	if err != nil {
		// With a signer present the document must never reach disk
		// unsealed; a failing self-seal fails the whole write.
		return fmt.Errorf("cache write: self-encrypt: %w", err)
	}
	return c.kv.put(userPubKey, cacheEnvelope{Encrypted: true, Data: ciphertext})
}

// read loads the stored document. It never returns an error for a
// decrypt failure: a corrupted or undecryptable envelope is logged and
// reported as a cache miss (ok=false) so the caller falls through to a
// relay-only backfill.
func (c *CacheStore) read(ctx context.Context, userPubKey string, signer Signer) (doc *CacheDocument, ok bool) {
	var stored json.RawMessage
	found, err := c.kv.get(userPubKey, &stored)
	if err != nil {
		log.Printf("cache read: store error: %v", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	// The stored value is either a cacheEnvelope or, in the oldest on-disk
	// shape, a bare CacheDocument. A bare document also unmarshals into
	// cacheEnvelope (unknown fields ignored) with Encrypted=false and
	// Data="", which is how the two are told apart.
	raw := string(stored)
	var env cacheEnvelope
	if err := json.Unmarshal(stored, &env); err == nil && (env.Encrypted || env.Data != "") {
		raw = env.Data
		if env.Encrypted {
			if signer == nil {
				// The document claims encrypted but no signer is available.
				// Treat as miss, proceed with backfill.
				log.Printf("cache read: document is encrypted but no signer available")
				return nil, false
			}
			plaintext, err := selfDecrypt(ctx, signer, raw)
			if err != nil {
				log.Printf("cache read: decrypt failed: %v", err)
				return nil, false
			}
			raw = plaintext
		}
	}

	var cd CacheDocument
	if err := json.Unmarshal([]byte(raw), &cd); err != nil {
		log.Printf("cache read: unmarshal failed: %v", err)
		return nil, false
	}
	return &cd, true
}

// delete removes the stored document for userPubKey.
func (c *CacheStore) delete(userPubKey string) error {
	return c.kv.delete(userPubKey)
}

// relaySnapshotSuffix keys the retained relay-list snapshot next to the
// user's conversation document in the same store.
const relaySnapshotSuffix = ".relays"

// writeRelaySnapshot records the relay set the cached document was built
// against, so a later session can detect a relay switch and discard the
// stale history instead of replaying it.
func (c *CacheStore) writeRelaySnapshot(userPubKey string, relays []string) error {
	return c.kv.put(userPubKey+relaySnapshotSuffix, relays)
}

// readRelaySnapshot returns the relay set recorded by the previous
// session, or nil when none was recorded.
func (c *CacheStore) readRelaySnapshot(userPubKey string) []string {
	var relays []string
	found, err := c.kv.get(userPubKey+relaySnapshotSuffix, &relays)
	if err != nil || !found {
		return nil
	}
	return relays
}

// selfEncrypt encrypts plaintext to ourselves using NIP-44 via the Signer.
func selfEncrypt(ctx context.Context, signer Signer, plaintext string) (string, error) {
	pk, err := signer.GetPublicKey(ctx)
	if err != nil {
		return "", fmt.Errorf("selfEncrypt: get pubkey: %w", err)
	}
	return signer.Encrypt(ctx, plaintext, pk)
}

// selfDecrypt decrypts ciphertext that was encrypted to ourselves.
func selfDecrypt(ctx context.Context, signer Signer, ciphertext string) (string, error) {
	pk, err := signer.GetPublicKey(ctx)
	if err != nil {
		return "", fmt.Errorf("selfDecrypt: get pubkey: %w", err)
	}
	return signer.Decrypt(ctx, ciphertext, pk)
}
