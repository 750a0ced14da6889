package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// persistDebounce is the single-shot window cache writes are coalesced
// into.
const persistDebounce = 15 * time.Second

// PersistenceScheduler debounces writes of the ConversationMap back to
// the cache store, with an immediate-flush override after a backfill
// produces new messages.
type PersistenceScheduler struct {
	mu       sync.Mutex
	timer    *time.Timer
	cache    *CacheStore
	conv     *ConversationMap
	lastSync *LastSync
	signer   Signer
	userPubKey string

	// maxMessages caps how many messages per participant survive a flush
	// (newest win); <= 0 means unlimited. Bounds the cache document the
	// same way max_messages bounds scrollback.
	maxMessages int
}

func newPersistenceScheduler(cache *CacheStore, conv *ConversationMap, lastSync *LastSync, signer Signer, userPubKey string, maxMessages int) *PersistenceScheduler {
	return &PersistenceScheduler{cache: cache, conv: conv, lastSync: lastSync, signer: signer, userPubKey: userPubKey, maxMessages: maxMessages}
}

// scheduleDebounced arms (or resets) the 15-second single-shot timer.
func (s *PersistenceScheduler) scheduleDebounced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(persistDebounce, func() {
		if err := s.flush(context.Background()); err != nil {
			log.Printf("persist: debounced flush failed: %v", err)
		}
	})
}

// flushImmediate bypasses the debounce timer, invoked after relay
// backfill produces new messages.
func (s *PersistenceScheduler) flushImmediate(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.flush(ctx)
}

// flush serializes the current ConversationMap + LastSync into a
// CacheDocument (plaintext per-message content, the whole document sealed
// by the cache store) and hands it to the cache store.
func (s *PersistenceScheduler) flush(ctx context.Context) error {
	doc := buildCacheDocument(s.conv, s.lastSync, s.maxMessages)
	return s.cache.write(ctx, s.userPubKey, doc, s.signer)
}

// buildCacheDocument projects the in-memory reducer state into the
// on-disk shape. ClientFirstSeen/IsSending/Error never persist.
// maxMessages > 0 trims each bucket to its newest maxMessages entries.
func buildCacheDocument(conv *ConversationMap, lastSync *LastSync, maxMessages int) *CacheDocument {
	snap := conv.snapshot()
	doc := &CacheDocument{Participants: make(map[string]CachedParticipant, len(snap))}

	for peer, p := range snap {
		p.mu.Lock()
		cp := CachedParticipant{
			LastActivity: int64(p.LastActivity),
			HasNIP04:     p.HasNIP04,
			HasNIP17:     p.HasNIP17,
		}
		persisted := p.Messages
		if maxMessages > 0 && len(persisted) > maxMessages {
			persisted = persisted[len(persisted)-maxMessages:]
		}
		for _, m := range persisted {
			cp.Messages = append(cp.Messages, CachedMessage{
				ID:        m.ID,
				PubKey:    m.PubKey,
				Content:   m.DecryptedContent,
				CreatedAt: int64(m.CreatedAt),
				Kind:      m.Kind,
				Tags:      m.Tags,
				Sig:       m.Sig,
				Protocol:  m.Protocol,
			})
		}
		p.mu.Unlock()
		doc.Participants[peer] = cp
	}

	if ts := lastSync.get(protocolNIP04); ts != nil {
		v := int64(*ts)
		doc.LastSyncNIP04 = &v
	}
	if ts := lastSync.get(protocolNIP17); ts != nil {
		v := int64(*ts)
		doc.LastSyncNIP17 = &v
	}
	return doc
}

// populateFromCache is the CACHE phase's load step: each message's
// decryptedContent is copied from its (already-plaintext) content,
// lastSync is set from the document. resortAndDerive re-sorts every
// bucket rather than trusting on-disk order, so the ascending-order
// guarantee holds even against a hand-edited or older-format document.
func populateFromCache(doc *CacheDocument, reducer *Reducer) {
	for peer, cp := range doc.Participants {
		p := reducer.conv.getOrCreate(peer)
		for _, cm := range cp.Messages {
			p.Messages = append(p.Messages, &DecryptedMessage{
				ID:               cm.ID,
				PubKey:           cm.PubKey,
				Kind:             cm.Kind,
				CreatedAt:        nostr.Timestamp(cm.CreatedAt),
				Tags:             cm.Tags,
				Content:          cm.Content,
				DecryptedContent: cm.Content,
				Sig:              cm.Sig,
				Protocol:         cm.Protocol,
			})
		}
		p.HasNIP04 = cp.HasNIP04
		p.HasNIP17 = cp.HasNIP17
		resortAndDerive(p, reducer.flagProtocolOnError)
	}
	if doc.LastSyncNIP04 != nil {
		reducer.lastSync.set(protocolNIP04, nostr.Timestamp(*doc.LastSyncNIP04))
	}
	if doc.LastSyncNIP17 != nil {
		reducer.lastSync.set(protocolNIP17, nostr.Timestamp(*doc.LastSyncNIP17))
	}
}
