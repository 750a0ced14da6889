package main

import (
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

// ConversationSummaries projects the reducer's ConversationMap into the
// sidebar list: one ConversationSummary per participant, sorted by
// lastActivity descending (most recent conversation first).
func ConversationSummaries(conv *ConversationMap, userPubKey string) []ConversationSummary {
	snap := conv.snapshot()
	out := make([]ConversationSummary, 0, len(snap))

	for peer, p := range snap {
		if peer == userPubKey {
			// The user's own pubkey is never a ConversationMap key, but
			// guard anyway in case a caller constructed a map by hand
			// (e.g. in a test).
			continue
		}
		out = append(out, summarize(peer, p, userPubKey))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity > out[j].LastActivity
	})
	return out
}

// summarize derives one ConversationSummary from a Participant.
//
// isKnown is true iff the user has sent at least one message to this
// peer, derived purely from send history, not from any contacts list.
// isRequest is the negation: every message in the conversation came from
// the peer and the user has never replied, the "message request" bucket a
// client hides behind a confirmation gate.
func summarize(peer string, p *Participant, userPubKey string) ConversationSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	isKnown := false
	lastFromUser := false
	for _, m := range p.Messages {
		if m.PubKey == userPubKey {
			isKnown = true
		}
	}
	if n := len(p.Messages); n > 0 {
		lastFromUser = p.Messages[n-1].PubKey == userPubKey
	}

	return ConversationSummary{
		PubKey:              peer,
		LastMessage:         p.LastMessage,
		LastActivity:        p.LastActivity,
		HasNIP04:            p.HasNIP04,
		HasNIP17:            p.HasNIP17,
		IsKnown:             isKnown,
		IsRequest:           !isKnown,
		LastMessageFromUser: lastFromUser,
	}
}

// ProtocolMode reports which DM protocols the engine was configured with.
type ProtocolMode struct {
	NIP04 bool
	NIP17 bool
}

// ScanProgress counts the raw relay events consumed by backfill so far
// this session, per protocol.
type ScanProgress struct {
	NIP04 int
	NIP17 int
}

func (s ScanProgress) Total() int { return s.NIP04 + s.NIP17 }

// EngineState is the one-read snapshot the UI layer consumes: conversation
// list, loader phase, per-protocol sync/connection state, and scan
// progress.
type EngineState struct {
	Conversations           []ConversationSummary
	Phase                   Phase
	IsLoading               bool
	HasInitialLoadCompleted bool
	LastSyncNIP04           *nostr.Timestamp
	LastSyncNIP17           *nostr.Timestamp
	NIP04Connected          bool
	NIP17Connected          bool
	ProtocolMode            ProtocolMode
	Scanned                 ScanProgress
}

// EngineState snapshots the orchestrator's externally visible state.
func (o *Orchestrator) EngineState() EngineState {
	o.mu.Lock()
	st := EngineState{
		Phase:                   o.phase,
		IsLoading:               o.isLoading,
		HasInitialLoadCompleted: o.hasInitialLoadCompleted,
		ProtocolMode:            ProtocolMode{NIP04: o.deps.nip04Enabled, NIP17: o.deps.nip17Enabled},
		Scanned:                 ScanProgress{NIP04: o.scanned[protocolNIP04], NIP17: o.scanned[protocolNIP17]},
	}
	o.mu.Unlock()

	st.Conversations = ConversationSummaries(o.Reducer.conv, o.deps.userPubKey)
	st.LastSyncNIP04 = o.Reducer.lastSync.get(protocolNIP04)
	st.LastSyncNIP17 = o.Reducer.lastSync.get(protocolNIP17)
	st.NIP04Connected = o.Subs.isConnected(protocolNIP04)
	st.NIP17Connected = o.Subs.isConnected(protocolNIP17)
	return st
}

// MessagesFor returns a participant's message list exactly as stored
// (already sorted ascending by the reducer), or nil if no conversation
// with peer exists yet.
func MessagesFor(conv *ConversationMap, peer string) []*DecryptedMessage {
	p, ok := conv.get(peer)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*DecryptedMessage, len(p.Messages))
	copy(out, p.Messages)
	return out
}
