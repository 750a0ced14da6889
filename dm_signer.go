package main

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// ErrNoCapability is returned when the signer lacks a capability a decode
// or send path needs (e.g. NIP-44 unavailable). The engine tolerates this
// by producing an errored DecryptedMessage rather than propagating the
// error out of an entry point.
var ErrNoCapability = errors.New("signer: capability unavailable")

// Signer is the external collaborator the engine consumes for identity
// and encryption. nostr.Keyer (the nbd-wtf/go-nostr signer abstraction)
// already satisfies GetPublicKey/SignEvent/Encrypt/Decrypt (NIP-44); this
// adapter adds the optional NIP-04 half, which nostr.Keyer does not carry.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *nostr.Event) error

	// NIP-44, required for the cache store's self-seal and all NIP-17 work.
	Encrypt(ctx context.Context, plaintext, peer string) (string, error)
	Decrypt(ctx context.Context, ciphertext, peer string) (string, error)

	// NIP-04, required for legacy DM decode/send. Returns ErrNoCapability
	// when the underlying key material is unavailable (never happens for
	// the plain-key signer used by this CLI, but keeps the contract honest
	// for future signer implementations, e.g. remote signers, that might
	// not expose a raw private key).
	NIP04Encrypt(ctx context.Context, plaintext, peer string) (string, error)
	NIP04Decrypt(ctx context.Context, ciphertext, peer string) (string, error)
}

// plainKeySigner adapts a raw private key into a Signer, backing both the
// NIP-44 path (via nostr.Keyer) and the NIP-04 path (via nip04 directly,
// since nostr.Keyer has no NIP-04 methods).
type plainKeySigner struct {
	sk string
	kr nostr.Keyer
}

func newPlainKeySigner(sk string) (*plainKeySigner, error) {
	kr, err := keyer.NewPlainKeySigner(sk)
	if err != nil {
		return nil, err
	}
	return &plainKeySigner{sk: sk, kr: kr}, nil
}

func (s *plainKeySigner) GetPublicKey(ctx context.Context) (string, error) {
	return s.kr.GetPublicKey(ctx)
}

func (s *plainKeySigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	return s.kr.SignEvent(ctx, evt)
}

func (s *plainKeySigner) Encrypt(ctx context.Context, plaintext, peer string) (string, error) {
	return s.kr.Encrypt(ctx, plaintext, peer)
}

func (s *plainKeySigner) Decrypt(ctx context.Context, ciphertext, peer string) (string, error) {
	return s.kr.Decrypt(ctx, ciphertext, peer)
}

func (s *plainKeySigner) NIP04Encrypt(ctx context.Context, plaintext, peer string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peer, s.sk)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(plaintext, shared)
}

func (s *plainKeySigner) NIP04Decrypt(ctx context.Context, ciphertext, peer string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peer, s.sk)
	if err != nil {
		return "", err
	}
	return nip04.Decrypt(ciphertext, shared)
}
