package main

import (
	"context"
	"log"
	"path/filepath"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/nbd-wtf/go-nostr"
)

// model is the bubbletea root: one DM engine (dm_*.go) driving a single
// sidebar of conversations, a viewport of the active conversation's
// messages, and a textarea for composing. There is exactly one kind of
// sidebar entry (a DM conversation), so the sidebar is just the
// orchestrator's own ConversationSummary list sorted by recency.
type model struct {
	cfg         Config
	cfgFlagPath string
	keys        Keys
	pool        *nostr.SimplePool
	signer      Signer
	relays      []string

	orch *Orchestrator

	width, height int
	ready         bool // first WindowSizeMsg seen

	summaries  []ConversationSummary
	activePeer string // "" = nothing selected yet

	viewport viewport.Model
	input    textarea.Model
	mdRender *glamour.TermRenderer
	mdStyle  string

	profiles       map[string]string
	profilePending map[string]bool

	lastViewed map[string]nostr.Timestamp
	unread     map[string]bool

	inputHistory    []string
	historyIndex    int
	historyDraft    string
	lastInputHeight int

	statusMsg string
	qrOverlay string

	// pendingDMIdent/pendingDMText hold a /dm target+body while a NIP-05
	// lookup for it is in flight (resolveNIP05Cmd, nostr.go).
	pendingDMIdent string
	pendingDMText  string

	phaseCh        <-chan PhaseEvent
	reducerUpdates <-chan struct{}
}

func newModel(cfg Config, cfgFlagPath string, keys Keys, pool *nostr.SimplePool, signer Signer, contacts []Contact, mdRender *glamour.TermRenderer, mdStyle string) model {
	vp := viewport.New(80, 20)
	ta := textarea.New()
	ta.Placeholder = "Message or /command..."
	ta.ShowLineNumbers = false
	ta.SetHeight(inputMinHeight)
	ta.Focus()

	cacheDir := filepath.Dir(configPath(cfgFlagPath))
	var kv kvStore
	if fileKV, err := newFileKVStore(cacheDir, "dm-cache"); err != nil {
		log.Printf("newModel: on-disk cache unavailable, falling back to in-memory (no persistence across restarts): %v", err)
		kv = newMemKVStore()
	} else {
		kv = fileKV
	}
	cache := newCacheStore(kv)

	orch := newOrchestrator(engineDeps{
		pool:         simplePoolAdapter{pool},
		relays:       cfg.Relays,
		signer:       signer,
		userPubKey:   keys.PK,
		cache:        cache,
		nip17Enabled: cfg.NIP17Enabled,
		nip04Enabled: cfg.NIP04Enabled,
		relayAuthHandshakeMS: cfg.RelayAuthHandshakeMS,
		maxMessages:          cfg.MaxMessages,
	}, cfg.FlagProtocolOnError)

	profiles := make(map[string]string, len(contacts))
	for _, c := range contacts {
		profiles[c.PubKey] = c.Name
	}

	return model{
		cfg:            cfg,
		cfgFlagPath:    cfgFlagPath,
		keys:           keys,
		pool:           pool,
		signer:         signer,
		relays:         cfg.Relays,
		orch:           orch,
		viewport:       vp,
		input:          ta,
		mdRender:       mdRender,
		mdStyle:        mdStyle,
		profiles:       profiles,
		profilePending: make(map[string]bool),
		lastViewed:     make(map[string]nostr.Timestamp),
		unread:         make(map[string]bool),
	}
}

// Init kicks off the orchestrator's load sequence, the reducer-update
// listener, and a handful of one-shot profile/relay-list publishes.
func (m *model) Init() tea.Cmd {
	ctx := context.Background()
	m.phaseCh = m.orch.Start(ctx)
	m.reducerUpdates = m.orch.Reducer.Updates()

	cmds := []tea.Cmd{
		textarea.Blink,
		waitForPhase(m.phaseCh),
		waitForReducerUpdate(m.reducerUpdates),
		publishDMRelaysCmd(m.pool, m.relays, m.keys),
		fetchContactsListCmd(m.pool, m.relays, m.keys.PK, m.signer),
	}
	if m.cfg.Profile != (ProfileConfig{}) {
		cmds = append(cmds, publishProfileCmd(m.pool, m.relays, m.cfg.Profile, m.keys))
	}
	for pk := range m.profiles {
		cmds = append(cmds, fetchProfileCmd(m.pool, m.relays, pk))
	}
	return tea.Batch(cmds...)
}

// resolveAuthor returns the best-known display name for a pubkey: profile
// name if resolved, else a short hex prefix.
func (m *model) resolveAuthor(pk string) string {
	if pk == m.keys.PK {
		return "you"
	}
	if name, ok := m.profiles[pk]; ok && name != "" {
		return name
	}
	return shortPK(pk)
}

// maybeRequestProfile fetches a pubkey's profile at most once per process
// lifetime.
func (m *model) maybeRequestProfile(pk string) tea.Cmd {
	if pk == "" || pk == m.keys.PK {
		return nil
	}
	if _, known := m.profiles[pk]; known {
		return nil
	}
	if m.profilePending[pk] {
		return nil
	}
	m.profilePending[pk] = true
	return fetchProfileCmd(m.pool, m.relays, pk)
}

// addSystemMsg surfaces a transient notice in the status bar (no dedicated
// system-message stream exists in this DM-only build since every message
// belongs to exactly one conversation's Participant bucket).
func (m *model) addSystemMsg(text string) {
	m.statusMsg = text
	log.Println("system:", text)
}

// refreshSummaries re-derives the sidebar list and marks unread peers whose
// activity advanced past what was last viewed while they weren't selected.
func (m *model) refreshSummaries() {
	m.summaries = ConversationSummaries(m.orch.Reducer.conv, m.keys.PK)
	for _, s := range m.summaries {
		if s.PubKey == m.activePeer {
			continue
		}
		if s.LastActivity > m.lastViewed[s.PubKey] {
			m.unread[s.PubKey] = true
		}
	}
}

// clearUnread marks the given peer as read and records the current high
// watermark.
func (m *model) clearUnread(peer string) {
	delete(m.unread, peer)
	for _, s := range m.summaries {
		if s.PubKey == peer {
			m.lastViewed[peer] = s.LastActivity
			return
		}
	}
}

// activeSummary returns the ConversationSummary for the selected peer, if any.
func (m *model) activeSummary() (ConversationSummary, bool) {
	for _, s := range m.summaries {
		if s.PubKey == m.activePeer {
			return s, true
		}
	}
	return ConversationSummary{}, false
}

func (m *model) userPubKey() string {
	return m.keys.PK
}
