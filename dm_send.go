package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// relayPublisher is the publish half of the relay pool contract.
type relayPublisher interface {
	EnsureRelay(url string) (*nostr.Relay, error)
}

// SendResult is returned by sendNIP04/sendNIP17 once publishing has been
// attempted; Optimistic is always populated (built before any network
// work), Err is set when building, encrypting or signing the event fails
// or when publishing fails on every relay.
type SendResult struct {
	Optimistic *DecryptedMessage
	Partner    string
	Protocol   string
	Err        error
}

// buildOptimisticMessage builds the placeholder every send starts with: a
// UUID-backed optimistic id, isSending=true, clientFirstSeen=now, empty
// sig/content, decryptedContent=the user's text. kind matches the real
// inner-event kind, keeping the placeholder's shape consistent with its
// eventual replacement.
func buildOptimisticMessage(text string, protocol string, userPubKey string) *DecryptedMessage {
	now := nostr.Now()
	kind := 4
	if protocol == protocolNIP17 {
		kind = 14
	}
	return &DecryptedMessage{
		ID:               "optimistic-" + uuid.NewString(),
		PubKey:           userPubKey,
		Kind:             kind,
		CreatedAt:        now,
		Content:          "",
		Sig:              "",
		DecryptedContent: text,
		IsSending:        true,
		ClientFirstSeen:  now,
		Protocol:         protocol,
	}
}

// composeText appends attachment URLs to the message body, separated by
// a blank line, and synthesizes one NIP-92 imeta tag per attachment.
func composeText(text string, attachments []Attachment) (string, nostr.Tags) {
	body := text
	var tags nostr.Tags
	for _, a := range attachments {
		if body != "" {
			body += "\n\n"
		}
		body += a.URL

		imeta := nostr.Tag{"imeta",
			"url " + a.URL,
			"m " + a.MimeType,
		}
		if a.Size > 0 {
			imeta = append(imeta, fmt.Sprintf("size %d", a.Size))
		}
		if a.Name != "" {
			imeta = append(imeta, "name "+a.Name)
		}
		for _, h := range a.Hashes {
			imeta = append(imeta, h[0]+" "+h[1])
		}
		tags = append(tags, imeta)
	}
	return body, tags
}

// sendNIP04 encrypts against the recipient and publishes one kind-4
// event tagged p=recipient plus any imeta tags.
func sendNIP04(ctx context.Context, pool relayPublisher, relays []string, recipientPK string, text string, attachments []Attachment, signer Signer, userPubKey string) SendResult {
	optimistic := buildOptimisticMessage(text, protocolNIP04, userPubKey)

	body, imetaTags := composeText(text, attachments)
	ciphertext, err := signer.NIP04Encrypt(ctx, body, recipientPK)
	if err != nil {
		return SendResult{Optimistic: optimistic, Partner: recipientPK, Protocol: protocolNIP04, Err: fmt.Errorf("sendNIP04: encrypt: %w", err)}
	}

	evt := &nostr.Event{
		Kind:      4,
		CreatedAt: nostr.Now(),
		Tags:      append(nostr.Tags{{"p", recipientPK}}, imetaTags...),
		Content:   ciphertext,
	}
	if err := signer.SignEvent(ctx, evt); err != nil {
		return SendResult{Optimistic: optimistic, Partner: recipientPK, Protocol: protocolNIP04, Err: fmt.Errorf("sendNIP04: sign: %w", err)}
	}

	if err := publishToAll(ctx, pool, relays, evt); err != nil {
		return SendResult{Optimistic: optimistic, Partner: recipientPK, Protocol: protocolNIP04, Err: err}
	}
	return SendResult{Optimistic: optimistic, Partner: recipientPK, Protocol: protocolNIP04}
}

// sendNIP17 runs the full NIP-17 pipeline: inner event (kind 14 or 15
// depending on attachments), two seals (recipient + self), two
// ephemeral-keyed fuzzed gift wraps, published in parallel. The self-wrap
// is what lets the sender's own future sessions reconstruct sent history
// via the subscription path.
func sendNIP17(ctx context.Context, pool relayPublisher, theirRelays, ourRelays []string, recipientPK string, text string, attachments []Attachment, signer Signer, userPubKey string) SendResult {
	optimistic := buildOptimisticMessage(text, protocolNIP17, userPubKey)

	body, imetaTags := composeText(text, attachments)
	innerKind := 14
	if len(attachments) > 0 {
		innerKind = 15
	}

	innerCreatedAt := nostr.Now()
	innerTags := append(nostr.Tags{{"p", recipientPK}}, imetaTags...)

	// The inner event is never signed or published, but it still needs its
	// canonical NIP-01 id: the first subscription echo replaces the
	// optimistic entry (matched by author, plaintext and time, not by id),
	// and any repeated echo then dedupes by this id against the reconciled
	// entry (containsID treats "" as never matching). GetID() hashes
	// id-eligible fields without requiring Sig.
	idEvt := nostr.Event{
		PubKey:    userPubKey,
		Kind:      innerKind,
		CreatedAt: innerCreatedAt,
		Tags:      innerTags,
		Content:   body,
	}

	inner := nip17Inner{
		ID:        idEvt.GetID(),
		PubKey:    userPubKey,
		Kind:      innerKind,
		CreatedAt: int64(innerCreatedAt),
		Tags:      innerTags,
		Content:   body,
	}
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return SendResult{Optimistic: optimistic, Partner: recipientPK, Protocol: protocolNIP17, Err: err}
	}

	recipientWrap, err := buildGiftWrap(ctx, signer, userPubKey, innerJSON, recipientPK)
	if err != nil {
		return SendResult{Optimistic: optimistic, Partner: recipientPK, Protocol: protocolNIP17, Err: err}
	}
	selfWrap, err := buildGiftWrap(ctx, signer, userPubKey, innerJSON, userPubKey)
	if err != nil {
		return SendResult{Optimistic: optimistic, Partner: recipientPK, Protocol: protocolNIP17, Err: err}
	}

	var wg sync.WaitGroup
	var sentRecipient, sentSelf atomic.Bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := publishToAll(ctx, pool, theirRelays, recipientWrap); err == nil {
			sentRecipient.Store(true)
		}
	}()
	go func() {
		defer wg.Done()
		if err := publishToAll(ctx, pool, ourRelays, selfWrap); err == nil {
			sentSelf.Store(true)
		}
	}()
	wg.Wait()

	if !sentRecipient.Load() && !sentSelf.Load() {
		return SendResult{Optimistic: optimistic, Partner: recipientPK, Protocol: protocolNIP17, Err: fmt.Errorf("sendNIP17: failed to publish to any relay")}
	}
	return SendResult{Optimistic: optimistic, Partner: recipientPK, Protocol: protocolNIP17}
}

// buildGiftWrap seals the inner payload with the user's real NIP-44 key
// (signer.Encrypt), then wraps it behind a freshly generated ephemeral
// key with a fuzzed created_at. Each wrap MUST get its own fresh random
// key: reusing the user's key would defeat NIP-59 metadata privacy.
func buildGiftWrap(ctx context.Context, signer Signer, userPubKey string, innerJSON []byte, reader string) (*nostr.Event, error) {
	sealCiphertext, err := signer.Encrypt(ctx, string(innerJSON), reader)
	if err != nil {
		return nil, fmt.Errorf("buildGiftWrap: seal encrypt: %w", err)
	}

	seal := &nostr.Event{
		Kind:      13,
		PubKey:    userPubKey,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   sealCiphertext,
	}
	if err := signer.SignEvent(ctx, seal); err != nil {
		return nil, fmt.Errorf("buildGiftWrap: seal sign: %w", err)
	}

	ephemeralSK := nostr.GeneratePrivateKey()
	ephemeralPK, err := nostr.GetPublicKey(ephemeralSK)
	if err != nil {
		return nil, fmt.Errorf("buildGiftWrap: ephemeral key: %w", err)
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, err
	}

	convKey, err := nip44.GenerateConversationKey(reader, ephemeralSK)
	if err != nil {
		return nil, fmt.Errorf("buildGiftWrap: conversation key: %w", err)
	}
	wrapCiphertext, err := nip44.Encrypt(string(sealJSON), convKey)
	if err != nil {
		return nil, fmt.Errorf("buildGiftWrap: wrap encrypt: %w", err)
	}

	wrap := &nostr.Event{
		Kind:      1059,
		PubKey:    ephemeralPK,
		CreatedAt: fuzzedTimestamp(),
		Tags:      nostr.Tags{{"p", reader}},
		Content:   wrapCiphertext,
	}
	if err := wrap.Sign(ephemeralSK); err != nil {
		return nil, fmt.Errorf("buildGiftWrap: wrap sign: %w", err)
	}
	return wrap, nil
}

// fuzzedTimestamp returns a timestamp uniform in [now-2d, now+2d].
func fuzzedTimestamp() nostr.Timestamp {
	now := time.Now().Unix()
	offset := rand.Int63n(2*nip17FuzzWindow+1) - nip17FuzzWindow
	return nostr.Timestamp(now + offset)
}

func publishToAll(ctx context.Context, pool relayPublisher, relays []string, evt *nostr.Event) error {
	var wg sync.WaitGroup
	var sent atomic.Bool
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := pool.EnsureRelay(url)
			if err != nil {
				return
			}
			if err := r.Publish(pctx, *evt); err != nil {
				return
			}
			sent.Store(true)
		}(url)
	}
	wg.Wait()
	if !sent.Load() {
		return fmt.Errorf("publish: failed on all %d relay(s)", len(relays))
	}
	return nil
}
