package main

import (
	"context"
	"reflect"
	"testing"
)

func sampleDoc() *CacheDocument {
	lastSyncA := int64(1700000000)
	lastSyncB := int64(1700100000)
	return &CacheDocument{
		Participants: map[string]CachedParticipant{
			testPeer: {
				Messages: []CachedMessage{
					{ID: "e1", PubKey: testPeer, Content: "hi", CreatedAt: 1000, Kind: 4, Protocol: protocolNIP04},
					{ID: "e2", PubKey: testUser, Content: "yo", CreatedAt: 1001, Kind: 4, Protocol: protocolNIP04},
					{ID: "e3", PubKey: testPeer, Content: "sup", CreatedAt: 1002, Kind: 14, Protocol: protocolNIP17},
				},
				LastActivity: 1002,
				HasNIP04:     true,
				HasNIP17:     true,
			},
		},
		LastSyncNIP04: &lastSyncA,
		LastSyncNIP17: &lastSyncB,
	}
}

func docsEquivalent(t *testing.T, a, b *CacheDocument) {
	t.Helper()
	if len(a.Participants) != len(b.Participants) {
		t.Fatalf("participant count mismatch: %d vs %d", len(a.Participants), len(b.Participants))
	}
	for peer, pa := range a.Participants {
		pb, ok := b.Participants[peer]
		if !ok {
			t.Fatalf("missing participant %q in round-tripped doc", peer)
		}
		if len(pa.Messages) != len(pb.Messages) {
			t.Fatalf("message count mismatch for %q: %d vs %d", peer, len(pa.Messages), len(pb.Messages))
		}
		for i := range pa.Messages {
			if !reflect.DeepEqual(pa.Messages[i], pb.Messages[i]) {
				t.Errorf("message %d mismatch for %q: %+v vs %+v", i, peer, pa.Messages[i], pb.Messages[i])
			}
		}
		if pa.LastActivity != pb.LastActivity || pa.HasNIP04 != pb.HasNIP04 || pa.HasNIP17 != pb.HasNIP17 {
			t.Errorf("derived field mismatch for %q", peer)
		}
	}
	if (a.LastSyncNIP04 == nil) != (b.LastSyncNIP04 == nil) || (a.LastSyncNIP04 != nil && *a.LastSyncNIP04 != *b.LastSyncNIP04) {
		t.Errorf("lastSync nip04 mismatch")
	}
	if (a.LastSyncNIP17 == nil) != (b.LastSyncNIP17 == nil) || (a.LastSyncNIP17 != nil && *a.LastSyncNIP17 != *b.LastSyncNIP17) {
		t.Errorf("lastSync nip17 mismatch")
	}
}

func TestCacheStore_WriteReadRoundTripWithSigner(t *testing.T) {
	ctx := context.Background()
	store := newCacheStore(newMemKVStore())
	signer := &fakeSigner{pub: testUser}
	doc := sampleDoc()

	if err := store.write(ctx, testUser, doc, signer); err != nil {
		t.Fatalf("write: %v", err)
	}

	var env cacheEnvelope
	found, err := store.kv.get(testUser, &env)
	if err != nil || !found {
		t.Fatalf("expected envelope in kv store, found=%v err=%v", found, err)
	}
	if !env.Encrypted {
		t.Errorf("expected the stored envelope to be marked encrypted when a NIP-44 signer is available")
	}

	got, ok := store.read(ctx, testUser, signer)
	if !ok {
		t.Fatal("expected read to succeed")
	}
	docsEquivalent(t, doc, got)
}

func TestCacheStore_WriteWithoutSignerIsPlaintextCompatibilityPath(t *testing.T) {
	ctx := context.Background()
	store := newCacheStore(newMemKVStore())
	doc := sampleDoc()

	if err := store.write(ctx, testUser, doc, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	var env cacheEnvelope
	store.kv.get(testUser, &env)
	if env.Encrypted {
		t.Errorf("expected plaintext envelope when no signer is supplied")
	}

	// Reading back WITH a signer available still succeeds: a plaintext
	// document written before encryption was available stays readable.
	got, ok := store.read(ctx, testUser, &fakeSigner{pub: testUser})
	if !ok {
		t.Fatal("expected plaintext doc to be readable even when a signer is later available")
	}
	docsEquivalent(t, doc, got)
}

func TestCacheStore_ReadEncryptedWithoutSignerIsMiss(t *testing.T) {
	ctx := context.Background()
	store := newCacheStore(newMemKVStore())
	signer := &fakeSigner{pub: testUser}
	store.write(ctx, testUser, sampleDoc(), signer)

	_, ok := store.read(ctx, testUser, nil)
	if ok {
		t.Fatal("expected an encrypted document with no signer at read time to be a cache miss")
	}
}

func TestCacheStore_DecryptFailureIsMissNotError(t *testing.T) {
	ctx := context.Background()
	kv := newMemKVStore()
	store := newCacheStore(kv)
	// Store a corrupted envelope directly.
	kv.put(testUser, cacheEnvelope{Encrypted: true, Data: "garbage-ciphertext"})

	doc, ok := store.read(ctx, testUser, &fakeSigner{pub: testUser})
	if ok || doc != nil {
		t.Fatal("expected corrupted ciphertext to be reported as a cache miss, not an error")
	}
}

func TestCacheStore_ReadsBareDocumentStoredWithoutEnvelope(t *testing.T) {
	ctx := context.Background()
	kv := newMemKVStore()
	// Oldest on-disk shape: the CacheDocument stored directly, no envelope.
	if err := kv.put(testUser, sampleDoc()); err != nil {
		t.Fatalf("put: %v", err)
	}
	store := newCacheStore(kv)

	got, ok := store.read(ctx, testUser, &fakeSigner{pub: testUser})
	if !ok {
		t.Fatal("expected a bare stored document to be readable")
	}
	docsEquivalent(t, sampleDoc(), got)
}

func TestCacheStore_ReadMissReturnsFalse(t *testing.T) {
	store := newCacheStore(newMemKVStore())
	_, ok := store.read(context.Background(), "nobody", &fakeSigner{pub: testUser})
	if ok {
		t.Fatal("expected read on an empty store to miss")
	}
}

func TestCacheStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := newCacheStore(newMemKVStore())
	store.write(ctx, testUser, sampleDoc(), nil)

	if err := store.delete(testUser); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok := store.read(ctx, testUser, nil)
	if ok {
		t.Fatal("expected delete to remove the document")
	}
}

func TestCacheStore_EncryptFailureBubblesUp(t *testing.T) {
	ctx := context.Background()
	store := newCacheStore(newMemKVStore())
	signer := &fakeSigner{pub: testUser, failEncrypt: true}

	if err := store.write(ctx, testUser, sampleDoc(), signer); err == nil {
		t.Fatal("expected a self-encrypt failure with a signer present to fail the write")
	}
	// Nothing may reach disk unsealed when a signer was supplied.
	var env cacheEnvelope
	if found, _ := store.kv.get(testUser, &env); found {
		t.Errorf("expected no document written after a failed self-encrypt, found %+v", env)
	}
}
