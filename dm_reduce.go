package main

import (
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// optimisticReconcileWindow is the ±30s window within which a freshly
// arrived real event may replace a pending optimistic twin.
const optimisticReconcileWindow = 30

// clientFirstSeenFreshness is the age under which an ingested message
// counts as "just arrived" and gets a ClientFirstSeen stamp.
const clientFirstSeenFreshness = 5 * time.Second

// Reducer exclusively owns the ConversationMap and LastSync. All mutation
// goes through its methods; every method is an atomic state
// transformation reading the latest snapshot, never a read-modify-write
// over a stale capture.
type Reducer struct {
	conv     *ConversationMap
	lastSync *LastSync
	flagProtocolOnError bool

	// updates fires (non-blocking, capacity 1) whenever merge/addSingle/clear
	// touch the ConversationMap, so the TUI layer can re-derive its sidebar
	// and viewport without polling on a timer.
	updates chan struct{}
}

func newReducer(flagProtocolOnError bool) *Reducer {
	return &Reducer{
		conv:     newConversationMap(),
		lastSync: &LastSync{},
		flagProtocolOnError: flagProtocolOnError,
		updates:  make(chan struct{}, 1),
	}
}

// Updates returns the channel the UI layer waits on for state changes.
func (r *Reducer) Updates() <-chan struct{} {
	return r.updates
}

func (r *Reducer) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// merge folds a decoded batch into the map: dedupe by event id, bucket
// per partner, re-sort, recompute derived fields, OR-in the protocol
// flag.
func (r *Reducer) merge(messages []*DecryptedMessage, partners []string, protocol string) {
	touched := make(map[string]bool)
	for i, msg := range messages {
		if partners[i] == "" {
			continue
		}
		stampClientFirstSeen(msg)
		p := r.conv.getOrCreate(partners[i])
		p.mu.Lock()
		if !containsID(p.Messages, msg.ID) {
			p.Messages = append(p.Messages, msg)
			touched[partners[i]] = true
		}
		p.mu.Unlock()
	}
	for peer := range touched {
		p, ok := r.conv.get(peer)
		if !ok {
			continue
		}
		p.mu.Lock()
		resortAndDerive(p, r.flagProtocolOnError)
		p.mu.Unlock()
	}
	if len(touched) > 0 {
		r.notify()
	}
}

// addSingle ingests one message: dedupe by id, else try optimistic
// reconciliation (same author, same plaintext, |Δcreated_at| ≤ 30s),
// preserving the optimistic message's CreatedAt/ClientFirstSeen; otherwise
// append. Always re-sorts and recomputes derived fields on the touched
// bucket.
func (r *Reducer) addSingle(msg *DecryptedMessage, partner string, protocol string) {
	if partner == "" {
		return
	}
	stampClientFirstSeen(msg)

	p := r.conv.getOrCreate(partner)

	p.mu.Lock()
	defer p.mu.Unlock()

	if containsID(p.Messages, msg.ID) {
		return
	}

	if idx := findOptimisticTwin(p.Messages, msg); idx >= 0 {
		preserved := p.Messages[idx]
		msg.CreatedAt = preserved.CreatedAt
		msg.ClientFirstSeen = preserved.ClientFirstSeen
		p.Messages[idx] = msg
	} else {
		p.Messages = append(p.Messages, msg)
	}

	resortAndDerive(p, r.flagProtocolOnError)
	r.notify()
}

// applyOptimistic inserts an optimistic message using the same path as
// addSingle.
func (r *Reducer) applyOptimistic(msg *DecryptedMessage, partner string, protocol string) {
	r.addSingle(msg, partner, protocol)
}

// clear resets the map and LastSync to {nil, nil}.
func (r *Reducer) clear() {
	r.conv.reset()
	r.lastSync.reset()
	r.notify()
}

func stampClientFirstSeen(msg *DecryptedMessage) {
	if msg.ClientFirstSeen != 0 {
		return
	}
	now := nostr.Now()
	if now-msg.CreatedAt < nostr.Timestamp(clientFirstSeenFreshness.Seconds()) {
		msg.ClientFirstSeen = now
	}
}

func containsID(messages []*DecryptedMessage, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// findOptimisticTwin finds a pending (IsSending) message by the same
// author with identical plaintext within the ±30s window.
func findOptimisticTwin(messages []*DecryptedMessage, real *DecryptedMessage) int {
	for i, m := range messages {
		if !m.IsSending {
			continue
		}
		if m.PubKey != real.PubKey {
			continue
		}
		if m.DecryptedContent != real.DecryptedContent {
			continue
		}
		diff := real.CreatedAt - m.CreatedAt
		if diff < 0 {
			diff = -diff
		}
		if diff <= optimisticReconcileWindow {
			return i
		}
	}
	return -1
}

// resortAndDerive re-sorts a participant's messages ascending by
// CreatedAt (stable, so same-timestamp messages keep insertion order) and
// recomputes lastActivity/lastMessage/protocol flags.
func resortAndDerive(p *Participant, flagProtocolOnError bool) {
	sort.SliceStable(p.Messages, func(i, j int) bool {
		return p.Messages[i].CreatedAt < p.Messages[j].CreatedAt
	})

	if n := len(p.Messages); n > 0 {
		last := p.Messages[n-1]
		p.LastActivity = last.CreatedAt
		p.LastMessage = last.DecryptedContent
	}

	for _, m := range p.Messages {
		if m.Protocol == "" {
			continue
		}
		if m.Error != nil && !flagProtocolOnError {
			continue
		}
		switch m.Protocol {
		case protocolNIP04:
			p.HasNIP04 = true
		case protocolNIP17:
			p.HasNIP17 = true
		}
	}
}
