package main

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// RawEvent is a signed Nostr event exactly as received from a relay or
// produced by the signer. It is never mutated after creation.
type RawEvent = nostr.Event

// Attachment is a prevalidated file reference attached to an outgoing
// message. It mirrors the metadata a Blossom upload returns.
type Attachment struct {
	URL      string
	MimeType string
	Size     int64
	Name     string
	Hashes   [][2]string // e.g. [["x", sha256hex], ["ox", sha256hex]]
}

// DecryptedMessage is the application-level view of a single DM, produced
// either by a protocol decoder or by the send pipeline's optimistic path.
type DecryptedMessage struct {
	ID        string
	PubKey    string // author of the inner/real message
	Kind      int    // 4 for NIP-04, 14/15 for NIP-17 inner kinds
	CreatedAt nostr.Timestamp
	Tags      nostr.Tags
	Content   string // raw wire content (ciphertext or, for NIP-17, the outer gift-wrap blob)
	Sig       string

	DecryptedContent string // plaintext; empty when Error is set
	Error            error  // set on decode failure; DecryptedContent empty

	IsSending       bool // true while an optimistic send hasn't been reconciled
	ClientFirstSeen nostr.Timestamp // UI-only "just arrived" hint; never persisted, never affects ordering

	SealEvent *nostr.Event // the NIP-17 seal, kept for potential re-use; nil for NIP-04

	Protocol string // "nip04" or "nip17", used for hasNIP04/hasNIP17 bookkeeping
}

// hasContent reports whether the message carries either a plaintext or a
// decode error (every delivered message must have one of the two).
func (m *DecryptedMessage) hasContent() bool {
	return m.Error != nil || m.DecryptedContent != ""
}

// Participant is one peer's conversation bucket. mu guards Messages and
// the derived fields below it, since the NIP-04 and NIP-17 subscription
// goroutines (dm_subscribe.go) can both call into the reducer for the
// same peer concurrently.
type Participant struct {
	mu           sync.Mutex
	PeerPubKey   string
	Messages     []*DecryptedMessage // sorted ascending by CreatedAt
	LastActivity nostr.Timestamp
	LastMessage  string
	HasNIP04     bool
	HasNIP17     bool
}

// ConversationMap is the peer-pubkey -> Participant mapping. It is the
// reducer's state; apart from the cache-load step (populateFromCache,
// dm_persist.go), nothing outside dm_reduce.go mutates it directly. Backed
// by xsync.MapOf, a lock-free concurrent map, since
// reducer.addSingle is invoked from independent subscription goroutines
// (one per protocol) and the persistence scheduler reads it from a timer
// goroutine — a plain map+RWMutex would serialize all three on one lock
// for no benefit once the per-Participant mutex above already guards the
// contended field.
type ConversationMap struct {
	participants *xsync.MapOf[string, *Participant]
}

func newConversationMap() *ConversationMap {
	return &ConversationMap{participants: xsync.NewMapOf[string, *Participant]()}
}

// snapshot returns a shallow copy of the peer list, safe to range over
// without racing concurrent inserts (used by persistence/summary
// projections that run on a separate goroutine from the reducer's call
// site).
func (c *ConversationMap) snapshot() map[string]*Participant {
	out := make(map[string]*Participant, c.participants.Size())
	c.participants.Range(func(k string, v *Participant) bool {
		out[k] = v
		return true
	})
	return out
}

func (c *ConversationMap) get(peer string) (*Participant, bool) {
	return c.participants.Load(peer)
}

func (c *ConversationMap) getOrCreate(peer string) *Participant {
	p, _ := c.participants.LoadOrCompute(peer, func() *Participant {
		return &Participant{PeerPubKey: peer}
	})
	return p
}

func (c *ConversationMap) reset() {
	c.participants.Clear()
}

func (c *ConversationMap) len() int {
	return c.participants.Size()
}

// LastSync holds the per-protocol high-water timestamp. A nil pointer means
// "never synced."
type LastSync struct {
	mu    sync.Mutex
	NIP04 *nostr.Timestamp
	NIP17 *nostr.Timestamp
}

func (l *LastSync) get(protocol string) *nostr.Timestamp {
	l.mu.Lock()
	defer l.mu.Unlock()
	if protocol == protocolNIP04 {
		return l.NIP04
	}
	return l.NIP17
}

func (l *LastSync) set(protocol string, ts nostr.Timestamp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if protocol == protocolNIP04 {
		l.NIP04 = &ts
	} else {
		l.NIP17 = &ts
	}
}

func (l *LastSync) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NIP04 = nil
	l.NIP17 = nil
}

const (
	protocolNIP04 = "nip04"
	protocolNIP17 = "nip17"
)

// CacheDocument is the persisted snapshot handed to the cache store. Its
// messages always carry plaintext content — the document as a whole is
// sealed before write, not individual messages.
type CacheDocument struct {
	Participants map[string]CachedParticipant `json:"participants"`
	LastSyncNIP04 *int64 `json:"nip4"`
	LastSyncNIP17 *int64 `json:"nip17"`
}

// CachedParticipant is the on-disk shape of a Participant.
type CachedParticipant struct {
	Messages     []CachedMessage `json:"messages"`
	LastActivity int64           `json:"lastActivity"`
	HasNIP04     bool            `json:"hasNIP4"`
	HasNIP17     bool            `json:"hasNIP17"`
}

// CachedMessage is the on-disk shape of a DecryptedMessage: plaintext
// content, no Error/IsSending/ClientFirstSeen fields (those never persist).
type CachedMessage struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	Content   string          `json:"content"`
	CreatedAt int64           `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      nostr.Tags      `json:"tags"`
	Sig       string          `json:"sig"`
	Protocol  string          `json:"protocol"`
}

// SubscriptionHandle is a live feed token; Close tears down the underlying
// relay subscription. At most one handle exists per protocol at a time.
type SubscriptionHandle struct {
	Protocol string
	Close    func()
}

// ConversationSummary is the derived list item surfaced to the UI.
type ConversationSummary struct {
	PubKey             string
	LastMessage        string
	LastActivity       nostr.Timestamp
	HasNIP04           bool
	HasNIP17           bool
	IsKnown            bool
	IsRequest          bool
	LastMessageFromUser bool
}
