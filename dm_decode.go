package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// decodeNIP04 performs the single NIP-04 symmetric decrypt plus
// conversation partner inference. Events where the partner resolves to the user or is
// absent are rejected (nil, false). On decrypt failure the message is
// still returned (with Error set) so the reducer can surface a placeholder.
func decodeNIP04(ctx context.Context, evt *nostr.Event, userPubKey string, signer Signer) (msg *DecryptedMessage, partner string, ok bool) {
	partner = nip04Partner(evt, userPubKey)
	if partner == "" || partner == userPubKey {
		return nil, "", false
	}

	m := &DecryptedMessage{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		Kind:      evt.Kind,
		CreatedAt: evt.CreatedAt,
		Tags:      evt.Tags,
		Content:   evt.Content,
		Sig:       evt.Sig,
		Protocol:  protocolNIP04,
	}

	if signer == nil {
		m.Error = fmt.Errorf("decodeNIP04: %w", ErrNoCapability)
		return m, partner, true
	}

	plaintext, err := signer.NIP04Decrypt(ctx, evt.Content, partner)
	if err != nil {
		m.Error = fmt.Errorf("decodeNIP04: decrypt: %w", err)
		return m, partner, true
	}
	m.DecryptedContent = plaintext
	return m, partner, true
}

// nip04Partner resolves the conversation partner for a kind-4 event: the
// p-tag value if the author is the user, otherwise the author.
func nip04Partner(evt *nostr.Event, userPubKey string) string {
	if evt.PubKey == userPubKey {
		return tagValue(evt.Tags, "p")
	}
	return evt.PubKey
}

// nip17Inner mirrors the JSON wire shape of a NIP-17 inner event
// (kind 14/15).
type nip17Inner struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      nostr.Tags `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

type nip17Seal struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	Kind      int    `json:"kind"`
	CreatedAt int64  `json:"created_at"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// decodeNIP17 runs the nested gift-wrap -> seal -> inner decrypt. Any
// failure along the chain is swallowed into an errored DecryptedMessage,
// best-effort bucketed under the outer author. A decoded message whose
// partner resolves to the user or is missing is rejected (nil, false).
func decodeNIP17(ctx context.Context, wrap *nostr.Event, userPubKey string, signer Signer) (msg *DecryptedMessage, partner string, ok bool) {
	fallbackPartner := wrap.PubKey

	if signer == nil {
		return errored17(wrap, fallbackPartner, fmt.Errorf("decodeNIP17: %w", ErrNoCapability)), fallbackPartner, true
	}

	sealJSON, err := signer.Decrypt(ctx, wrap.Content, wrap.PubKey)
	if err != nil {
		return errored17(wrap, fallbackPartner, fmt.Errorf("decodeNIP17: unwrap gift-wrap: %w", err)), fallbackPartner, true
	}
	var seal nip17Seal
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil || seal.Kind != 13 {
		return errored17(wrap, fallbackPartner, fmt.Errorf("decodeNIP17: seal is not kind 13")), fallbackPartner, true
	}

	innerJSON, err := signer.Decrypt(ctx, seal.Content, seal.PubKey)
	if err != nil {
		return errored17(wrap, fallbackPartner, fmt.Errorf("decodeNIP17: unseal: %w", err)), fallbackPartner, true
	}
	var inner nip17Inner
	if err := json.Unmarshal([]byte(innerJSON), &inner); err != nil {
		return errored17(wrap, fallbackPartner, fmt.Errorf("decodeNIP17: inner unmarshal: %w", err)), fallbackPartner, true
	}
	if inner.Kind != 14 && inner.Kind != 15 {
		return errored17(wrap, fallbackPartner, fmt.Errorf("decodeNIP17: invalid inner kind %d", inner.Kind)), fallbackPartner, true
	}

	if seal.PubKey == userPubKey {
		partner = tagValue(inner.Tags, "p")
	} else {
		partner = seal.PubKey
	}
	if partner == "" || partner == userPubKey {
		return nil, "", false
	}

	m := &DecryptedMessage{
		ID:               inner.ID,
		PubKey:           inner.PubKey,
		Kind:             inner.Kind,
		CreatedAt:        nostr.Timestamp(inner.CreatedAt),
		Tags:             inner.Tags,
		Content:          wrap.Content, // outer blob preserved for audit
		DecryptedContent: inner.Content,
		Protocol:         protocolNIP17,
		SealEvent: &nostr.Event{
			ID: seal.ID, PubKey: seal.PubKey, Kind: seal.Kind,
			CreatedAt: nostr.Timestamp(seal.CreatedAt), Content: seal.Content, Sig: seal.Sig,
		},
	}
	return m, partner, true
}

func errored17(wrap *nostr.Event, partner string, err error) *DecryptedMessage {
	return &DecryptedMessage{
		ID:        wrap.ID,
		PubKey:    wrap.PubKey,
		Kind:      wrap.Kind,
		CreatedAt: wrap.CreatedAt,
		Tags:      wrap.Tags,
		Content:   wrap.Content,
		Sig:       wrap.Sig,
		Error:     err,
		Protocol:  protocolNIP17,
	}
}

func tagValue(tags nostr.Tags, name string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}
