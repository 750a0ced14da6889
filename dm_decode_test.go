package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

// fakeSigner is a deterministic test double for Signer. It does not
// implement real NIP-04/NIP-44 cryptography; it just wraps plaintext with
// a tag identifying the peer the real implementation would have derived a
// shared secret with, so decode logic (which peer gets asked to decrypt
// what) is exercised without needing the real curve math.
type fakeSigner struct {
	pub string

	failEncrypt, failDecrypt           bool
	failNIP04Encrypt, failNIP04Decrypt bool
	noNIP04, noNIP44                   bool
}

func (s *fakeSigner) GetPublicKey(ctx context.Context) (string, error) { return s.pub, nil }

func (s *fakeSigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	evt.PubKey = s.pub
	evt.ID = evt.GetID()
	evt.Sig = "sig:" + evt.ID
	return nil
}

func (s *fakeSigner) Encrypt(ctx context.Context, plaintext, peer string) (string, error) {
	if s.noNIP44 {
		return "", ErrNoCapability
	}
	if s.failEncrypt {
		return "", errors.New("encrypt failed")
	}
	return "enc44:" + peer + ":" + plaintext, nil
}

func (s *fakeSigner) Decrypt(ctx context.Context, ciphertext, peer string) (string, error) {
	if s.noNIP44 {
		return "", ErrNoCapability
	}
	if s.failDecrypt {
		return "", errors.New("decrypt failed")
	}
	prefix := "enc44:" + peer + ":"
	if !strings.HasPrefix(ciphertext, prefix) {
		return "", errors.New("fakeSigner: ciphertext not addressed to peer")
	}
	return strings.TrimPrefix(ciphertext, prefix), nil
}

func (s *fakeSigner) NIP04Encrypt(ctx context.Context, plaintext, peer string) (string, error) {
	if s.noNIP04 {
		return "", ErrNoCapability
	}
	if s.failNIP04Encrypt {
		return "", errors.New("nip04 encrypt failed")
	}
	return "enc04:" + peer + ":" + plaintext, nil
}

func (s *fakeSigner) NIP04Decrypt(ctx context.Context, ciphertext, peer string) (string, error) {
	if s.noNIP04 {
		return "", ErrNoCapability
	}
	if s.failNIP04Decrypt {
		return "", errors.New("nip04 decrypt failed")
	}
	prefix := "enc04:" + peer + ":"
	if !strings.HasPrefix(ciphertext, prefix) {
		return "", errors.New("fakeSigner: ciphertext not addressed to peer")
	}
	return strings.TrimPrefix(ciphertext, prefix), nil
}

const (
	testUser = "user0000000000000000000000000000000000000000000000000000000000"
	testPeer = "peer0000000000000000000000000000000000000000000000000000000000"
)

func TestDecodeNIP04_IncomingFromPeer(t *testing.T) {
	evt := &nostr.Event{
		ID:        "e1",
		PubKey:    testPeer,
		Kind:      4,
		CreatedAt: 1000,
		Tags:      nostr.Tags{{"p", testUser}},
		Content:   "enc04:" + testPeer + ":hello",
	}
	signer := &fakeSigner{pub: testUser}

	msg, partner, ok := decodeNIP04(context.Background(), evt, testUser, signer)
	if !ok {
		t.Fatal("expected decodeNIP04 to accept a valid incoming event")
	}
	if partner != testPeer {
		t.Errorf("expected partner=%q, got %q", testPeer, partner)
	}
	if msg.Error != nil {
		t.Errorf("expected no decode error, got %v", msg.Error)
	}
	if msg.DecryptedContent != "hello" {
		t.Errorf("expected decrypted content %q, got %q", "hello", msg.DecryptedContent)
	}
}

func TestDecodeNIP04_OutgoingFromUser(t *testing.T) {
	evt := &nostr.Event{
		ID:        "e1",
		PubKey:    testUser,
		Kind:      4,
		CreatedAt: 1000,
		Tags:      nostr.Tags{{"p", testPeer}},
		Content:   "enc04:" + testPeer + ":hi there",
	}
	signer := &fakeSigner{pub: testUser}

	msg, partner, ok := decodeNIP04(context.Background(), evt, testUser, signer)
	if !ok {
		t.Fatal("expected decodeNIP04 to accept a valid outgoing event")
	}
	if partner != testPeer {
		t.Errorf("expected partner (the p-tag) =%q, got %q", testPeer, partner)
	}
	if msg.DecryptedContent != "hi there" {
		t.Errorf("expected decrypted content, got %q", msg.DecryptedContent)
	}
}

func TestDecodeNIP04_RejectsSelfAsPartner(t *testing.T) {
	evt := &nostr.Event{
		ID: "e1", PubKey: testUser, Kind: 4, CreatedAt: 1000,
		Tags: nostr.Tags{{"p", testUser}}, Content: "enc04:" + testUser + ":x",
	}
	_, _, ok := decodeNIP04(context.Background(), evt, testUser, &fakeSigner{pub: testUser})
	if ok {
		t.Fatal("expected decodeNIP04 to reject an event whose partner resolves to the user")
	}
}

func TestDecodeNIP04_RejectsMissingPartner(t *testing.T) {
	evt := &nostr.Event{ID: "e1", PubKey: testUser, Kind: 4, CreatedAt: 1000, Content: "enc04::x"}
	_, _, ok := decodeNIP04(context.Background(), evt, testUser, &fakeSigner{pub: testUser})
	if ok {
		t.Fatal("expected decodeNIP04 to reject an event with no p-tag")
	}
}

func TestDecodeNIP04_DecryptFailureYieldsErroredMessage(t *testing.T) {
	evt := &nostr.Event{
		ID: "e1", PubKey: testPeer, Kind: 4, CreatedAt: 1000,
		Tags: nostr.Tags{{"p", testUser}}, Content: "garbage",
	}
	signer := &fakeSigner{pub: testUser}

	msg, partner, ok := decodeNIP04(context.Background(), evt, testUser, signer)
	if !ok {
		t.Fatal("expected a decrypt failure to still be delivered to the reducer")
	}
	if partner != testPeer {
		t.Errorf("expected best-effort partner bucketing to the author, got %q", partner)
	}
	if msg.Error == nil || msg.DecryptedContent != "" {
		t.Errorf("expected Error set and DecryptedContent empty, got err=%v content=%q", msg.Error, msg.DecryptedContent)
	}
}

func TestDecodeNIP04_MissingCapability(t *testing.T) {
	evt := &nostr.Event{
		ID: "e1", PubKey: testPeer, Kind: 4, CreatedAt: 1000,
		Tags: nostr.Tags{{"p", testUser}}, Content: "enc04:" + testPeer + ":hi",
	}
	signer := &fakeSigner{pub: testUser, noNIP04: true}
	msg, _, ok := decodeNIP04(context.Background(), evt, testUser, signer)
	if !ok {
		t.Fatal("expected delivery even when nip04 unavailable")
	}
	if !errors.Is(msg.Error, ErrNoCapability) {
		t.Errorf("expected ErrNoCapability, got %v", msg.Error)
	}
}

// buildGiftWrapForTest constructs a syntactically valid NIP-17 gift wrap
// (outer -> seal -> inner) using fakeSigner's deterministic "encryption",
// addressed from `author` to `reader`. decodeNIP17 decrypts the wrap
// layer against the wrap's own author pubkey (ECDH is symmetric: the
// reader's signer derives the same shared secret from the ephemeral
// pubkey that the ephemeral key derived from the reader's pubkey) and the
// seal layer against the seal's author pubkey, so the fake ciphertexts
// here are tagged with those same peers, not the literal reader.
func buildGiftWrapForTest(t *testing.T, author, reader string, inner nip17Inner) *nostr.Event {
	t.Helper()
	const ephemeralPK = "ephemeral-pk"

	innerJSON, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	seal := nip17Seal{
		ID: "seal1", PubKey: author, Kind: 13, CreatedAt: 1000,
		Content: "enc44:" + author + ":" + string(innerJSON),
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		t.Fatalf("marshal seal: %v", err)
	}
	return &nostr.Event{
		ID:        "wrap1",
		PubKey:    ephemeralPK,
		Kind:      1059,
		CreatedAt: 999,
		Tags:      nostr.Tags{{"p", reader}},
		Content:   "enc44:" + ephemeralPK + ":" + string(sealJSON),
	}
}

func TestDecodeNIP17_IncomingMessage(t *testing.T) {
	inner := nip17Inner{ID: "inner1", PubKey: testPeer, Kind: 14, CreatedAt: 1700099500, Tags: nostr.Tags{{"p", testUser}}, Content: "hi"}
	wrap := buildGiftWrapForTest(t, testPeer, testUser, inner)
	signer := &fakeSigner{pub: testUser}

	msg, partner, ok := decodeNIP17(context.Background(), wrap, testUser, signer)
	if !ok {
		t.Fatal("expected a valid gift wrap to decode")
	}
	if partner != testPeer {
		t.Errorf("expected partner=seal author=%q, got %q", testPeer, partner)
	}
	if msg.ID != "inner1" {
		t.Errorf("expected canonical id to be the inner event's id, got %q", msg.ID)
	}
	if msg.DecryptedContent != "hi" {
		t.Errorf("expected decrypted content %q, got %q", "hi", msg.DecryptedContent)
	}
	if msg.CreatedAt != 1700099500 {
		t.Errorf("expected the inner event's created_at to be used (not the fuzzed outer one), got %d", msg.CreatedAt)
	}
	if msg.Content != wrap.Content {
		t.Errorf("expected outer gift-wrap content preserved for audit")
	}
	if msg.SealEvent == nil || msg.SealEvent.PubKey != testPeer {
		t.Errorf("expected seal event attached with author=%q", testPeer)
	}
}

func TestDecodeNIP17_OutgoingMessagePartnerIsRecipientTag(t *testing.T) {
	inner := nip17Inner{ID: "inner1", PubKey: testUser, Kind: 14, CreatedAt: 1700099500, Tags: nostr.Tags{{"p", testPeer}}, Content: "yo"}
	wrap := buildGiftWrapForTest(t, testUser, testUser, inner) // self-seal copy

	msg, partner, ok := decodeNIP17(context.Background(), wrap, testUser, &fakeSigner{pub: testUser})
	if !ok {
		t.Fatal("expected self-seal gift wrap to decode")
	}
	if partner != testPeer {
		t.Errorf("expected partner=inner p-tag=%q when seal author is the user, got %q", testPeer, partner)
	}
	if msg.DecryptedContent != "yo" {
		t.Errorf("unexpected content %q", msg.DecryptedContent)
	}
}

func TestDecodeNIP17_InvalidInnerKind(t *testing.T) {
	inner := nip17Inner{ID: "inner1", PubKey: testPeer, Kind: 1, CreatedAt: 1000, Content: "not a DM"}
	wrap := buildGiftWrapForTest(t, testPeer, testUser, inner)

	msg, partner, ok := decodeNIP17(context.Background(), wrap, testUser, &fakeSigner{pub: testUser})
	if !ok {
		t.Fatal("expected invalid inner kind to still be delivered as an errored message")
	}
	if partner != wrap.PubKey {
		t.Errorf("expected best-effort partner = outer author %q, got %q", wrap.PubKey, partner)
	}
	if msg.Error == nil {
		t.Error("expected Error set for invalid inner kind")
	}
}

func TestDecodeNIP17_SealNotKind13(t *testing.T) {
	badSeal := map[string]any{"id": "s1", "pubkey": testPeer, "kind": 1, "created_at": 1000, "content": "x"}
	sealJSON, _ := json.Marshal(badSeal)
	wrap := &nostr.Event{
		ID: "wrap1", PubKey: "ephemeral-pk", Kind: 1059, CreatedAt: 999,
		Tags:    nostr.Tags{{"p", testUser}},
		Content: "enc44:ephemeral-pk:" + string(sealJSON),
	}
	msg, _, ok := decodeNIP17(context.Background(), wrap, testUser, &fakeSigner{pub: testUser})
	if !ok {
		t.Fatal("expected non-13 seal to still be delivered as errored")
	}
	if msg.Error == nil {
		t.Error("expected Error set when seal kind != 13")
	}
}

func TestDecodeNIP17_GiftWrapDecryptFailure(t *testing.T) {
	wrap := &nostr.Event{
		ID: "wrap1", PubKey: "ephemeral-pk", Kind: 1059, CreatedAt: 999,
		Tags: nostr.Tags{{"p", testUser}}, Content: "not-encrypted-at-all",
	}
	msg, partner, ok := decodeNIP17(context.Background(), wrap, testUser, &fakeSigner{pub: testUser})
	if !ok {
		t.Fatal("expected gift-wrap decrypt failure to still be delivered")
	}
	if partner != wrap.PubKey {
		t.Errorf("expected fallback partner = outer author, got %q", partner)
	}
	if msg.Error == nil {
		t.Error("expected Error set on gift-wrap decrypt failure")
	}
}

func TestDecodeNIP17_RejectsSelfAsPartner(t *testing.T) {
	// Both seal author and inner p-tag are the user: partner would be
	// empty/self, which must be rejected outright (no message, not even
	// an errored one) per the decoder contract mirroring NIP-04's.
	inner := nip17Inner{ID: "inner1", PubKey: testUser, Kind: 14, CreatedAt: 1000, Tags: nostr.Tags{{"p", testUser}}, Content: "x"}
	wrap := buildGiftWrapForTest(t, testUser, testUser, inner)

	_, _, ok := decodeNIP17(context.Background(), wrap, testUser, &fakeSigner{pub: testUser})
	if ok {
		t.Fatal("expected a gift wrap resolving to the user as its own partner to be rejected")
	}
}

func TestDecodeNIP17_MissingCapability(t *testing.T) {
	wrap := &nostr.Event{ID: "wrap1", PubKey: "ephemeral-pk", Kind: 1059, CreatedAt: 999, Content: "x"}
	msg, _, ok := decodeNIP17(context.Background(), wrap, testUser, &fakeSigner{pub: testUser, noNIP44: true})
	if !ok {
		t.Fatal("expected delivery even when nip44 unavailable")
	}
	if !errors.Is(msg.Error, ErrNoCapability) {
		t.Errorf("expected ErrNoCapability, got %v", msg.Error)
	}
}

func TestDecoderOutputAlwaysHasContentOrError(t *testing.T) {
	signer := &fakeSigner{pub: testUser}
	inner := nip17Inner{ID: "inner1", PubKey: testPeer, Kind: 14, CreatedAt: 1000, Tags: nostr.Tags{{"p", testUser}}, Content: "hi"}

	inputs := []struct {
		name     string
		protocol string
		evt      *nostr.Event
	}{
		{"nip04 valid", protocolNIP04, &nostr.Event{
			ID: "e1", PubKey: testPeer, Kind: 4, CreatedAt: 1000,
			Tags: nostr.Tags{{"p", testUser}}, Content: "enc04:" + testPeer + ":hello",
		}},
		{"nip04 garbage ciphertext", protocolNIP04, &nostr.Event{
			ID: "e2", PubKey: testPeer, Kind: 4, CreatedAt: 1000,
			Tags: nostr.Tags{{"p", testUser}}, Content: "garbage",
		}},
		{"nip17 valid", protocolNIP17, buildGiftWrapForTest(t, testPeer, testUser, inner)},
		{"nip17 undecryptable", protocolNIP17, &nostr.Event{
			ID: "wrap2", PubKey: "ephemeral-pk", Kind: 1059, CreatedAt: 999,
			Tags: nostr.Tags{{"p", testUser}}, Content: "junk",
		}},
	}

	for _, in := range inputs {
		var msg *DecryptedMessage
		var ok bool
		if in.protocol == protocolNIP17 {
			msg, _, ok = decodeNIP17(context.Background(), in.evt, testUser, signer)
		} else {
			msg, _, ok = decodeNIP04(context.Background(), in.evt, testUser, signer)
		}
		if !ok {
			t.Fatalf("%s: expected delivery", in.name)
		}
		if !msg.hasContent() {
			t.Errorf("%s: expected either decrypted content or an error to be set", in.name)
		}
	}
}

func TestTagValue(t *testing.T) {
	tags := nostr.Tags{{"e", "x"}, {"p", "abc"}}
	if got := tagValue(tags, "p"); got != "abc" {
		t.Errorf("tagValue(p) = %q, want %q", got, "abc")
	}
	if got := tagValue(tags, "missing"); got != "" {
		t.Errorf("tagValue(missing) = %q, want empty", got)
	}
}
