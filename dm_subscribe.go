package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// relayPool is the subset of the relay pool the engine needs:
// connect-and-auth (the NIP-42 pre-flight), the one-shot filtered query
// of the batched fetcher, and the long-lived multi-relay subscription
// stream.
type relayPool interface {
	relayQuerier
	EnsureRelay(url string) (*nostr.Relay, error)
	SubscribeMany(ctx context.Context, relays []string, filter nostr.Filter) chan nostr.RelayEvent
}

// simplePoolAdapter adapts *nostr.SimplePool to relayPool: the one-shot
// query is a FetchMany drained to EOSE, and SubscribeMany is pinned to the
// exact non-variadic shape the interface names.
type simplePoolAdapter struct {
	*nostr.SimplePool
}

func (p simplePoolAdapter) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event {
	var out []*nostr.Event
	for re := range p.SimplePool.FetchMany(ctx, relays, filter) {
		if re.Event != nil {
			out = append(out, re.Event)
		}
	}
	return out
}

func (p simplePoolAdapter) SubscribeMany(ctx context.Context, relays []string, filter nostr.Filter) chan nostr.RelayEvent {
	return p.SimplePool.SubscribeMany(ctx, relays, filter)
}

// SubscriptionManager maintains at most one open subscription per
// protocol. Starting a new one for an already-subscribed protocol tears the
// old one down first.
type SubscriptionManager struct {
	pool   relayPool
	relays []string
	signer Signer

	authHandshakeDelay time.Duration

	// mu guards handles/connected: start() (Start-phase goroutine), each
	// subscription's own listener goroutine (stream-ended case), and
	// isConnected() (Orchestrator.monitorReconnect's ticking goroutine) all
	// read or write these maps, so access without a lock is a race — see
	// the Participant/LastSync mutex pattern in dm_types.go.
	mu        sync.Mutex
	handles   map[string]*SubscriptionHandle
	connected map[string]bool
}

// newSubscriptionManager wires up the NIP-42 pre-auth handshake delay
// from the configured relay_auth_handshake_ms; a non-positive value falls
// back to the 500ms default.
func newSubscriptionManager(pool relayPool, relays []string, signer Signer, authHandshakeMS int) *SubscriptionManager {
	delay := relayAuthHandshakeDelay
	if authHandshakeMS > 0 {
		delay = time.Duration(authHandshakeMS) * time.Millisecond
	}
	return &SubscriptionManager{
		pool:               pool,
		relays:             relays,
		signer:             signer,
		authHandshakeDelay: delay,
		handles:            make(map[string]*SubscriptionHandle),
		connected:          make(map[string]bool),
	}
}

func (s *SubscriptionManager) isConnected(protocol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[protocol]
}

func (s *SubscriptionManager) setConnected(protocol string, v bool) {
	s.mu.Lock()
	s.connected[protocol] = v
	s.mu.Unlock()
}

// start opens (or replaces) the subscription for protocol, computing
// `since` as: explicit arg, else lastSync-10s (NIP-04) or lastSync-2days
// (NIP-17), else now(); for NIP-17 the 2-day subtraction also applies to
// the explicit arg and to now(). Each incoming event is routed to the
// matching decoder then reducer.addSingle, the path that reconciles
// optimistic sends with their echo.
func (s *SubscriptionManager) start(ctx context.Context, protocol string, since *nostr.Timestamp, userPubKey string, reducer *Reducer) *SubscriptionHandle {
	s.mu.Lock()
	if h, ok := s.handles[protocol]; ok {
		s.mu.Unlock()
		h.Close()
	} else {
		s.mu.Unlock()
	}

	effectiveSince := resolveSubscriptionSince(protocol, since, reducer.lastSync)
	subCtx, cancel := context.WithCancel(ctx)

	s.preAuth(subCtx, userPubKey)

	events := s.openFilters(subCtx, protocol, userPubKey, effectiveSince)

	s.setConnected(protocol, true)
	handle := &SubscriptionHandle{
		Protocol: protocol,
		Close: func() {
			cancel()
			s.setConnected(protocol, false)
			s.mu.Lock()
			delete(s.handles, protocol)
			s.mu.Unlock()
		},
	}
	s.mu.Lock()
	s.handles[protocol] = handle
	s.mu.Unlock()

	go func() {
		for re := range events {
			if re.Event == nil {
				continue
			}
			msg, partner, ok := decodeOne(subCtx, re.Event, userPubKey, protocol, s.signer)
			if !ok {
				continue
			}
			reducer.addSingle(msg, partner, protocol)
		}
		// Subscription stream ended (relay closed it, or ctx was
		// cancelled): flip connected false. A dropped stream never tears
		// down the other protocol's subscription nor escalates to the
		// orchestrator.
		log.Printf("dm subscription for %s ended", protocol)
		s.setConnected(protocol, false)
	}()

	return handle
}

// stopAll closes both protocol subscriptions.
func (s *SubscriptionManager) stopAll() {
	s.mu.Lock()
	handles := make([]*SubscriptionHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}

func decodeOne(ctx context.Context, evt *nostr.Event, userPubKey, protocol string, signer Signer) (*DecryptedMessage, string, bool) {
	if protocol == protocolNIP17 {
		return decodeNIP17(ctx, evt, userPubKey, signer)
	}
	return decodeNIP04(ctx, evt, userPubKey, signer)
}

func resolveSubscriptionSince(protocol string, explicit *nostr.Timestamp, lastSync *LastSync) *nostr.Timestamp {
	if explicit != nil {
		s := *explicit
		if protocol == protocolNIP17 {
			s -= nip17FuzzWindow
		}
		if s < 0 {
			s = 0
		}
		return &s
	}

	ls := lastSync.get(protocol)
	if ls != nil {
		var s nostr.Timestamp
		if protocol == protocolNIP04 {
			s = *ls - 10
		} else {
			s = *ls - nip17FuzzWindow
		}
		if s < 0 {
			s = 0
		}
		return &s
	}

	now := nostr.Now()
	if protocol == protocolNIP17 {
		now -= nip17FuzzWindow
	}
	if now < 0 {
		now = 0
	}
	return &now
}

// openFilters opens the live subscription(s) for protocol. NIP-17 needs only
// the #p filter: a user's own outgoing gift wraps are also p-tagged to
// themselves (sendNIP17 publishes a self-wrap). NIP-04 has no self-wrap
// equivalent, so without also subscribing by authors a message the user
// sends from a second client would never echo back here — two subscriptions
// merged into one channel, since the library takes a single filter per
// SubscribeMany call.
func (s *SubscriptionManager) openFilters(ctx context.Context, protocol, userPubKey string, since *nostr.Timestamp) chan nostr.RelayEvent {
	if protocol == protocolNIP17 {
		return s.pool.SubscribeMany(ctx, s.relays, nostr.Filter{
			Kinds: []int{1059},
			Tags:  nostr.TagMap{"p": []string{userPubKey}},
			Since: since,
		})
	}

	toMe := s.pool.SubscribeMany(ctx, s.relays, nostr.Filter{
		Kinds: []int{4},
		Tags:  nostr.TagMap{"p": []string{userPubKey}},
		Since: since,
	})
	fromMe := s.pool.SubscribeMany(ctx, s.relays, nostr.Filter{
		Kinds:   []int{4},
		Authors: []string{userPubKey},
		Since:   since,
	})

	merged := make(chan nostr.RelayEvent)
	var wg sync.WaitGroup
	forward := func(ch chan nostr.RelayEvent) {
		defer wg.Done()
		for re := range ch {
			merged <- re
		}
	}
	wg.Add(2)
	go forward(toMe)
	go forward(fromMe)
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged
}

// preAuth pre-connects to every configured relay and completes a NIP-42
// auth handshake in the background, so relays that require auth to
// deliver p-tagged events don't silently drop the subscription.
func (s *SubscriptionManager) preAuth(ctx context.Context, userPubKey string) {
	for _, url := range s.relays {
		go func(url string) {
			r, err := s.pool.EnsureRelay(url)
			if err != nil {
				log.Printf("preAuth: connect %s: %v", url, err)
				return
			}
			time.Sleep(s.authHandshakeDelay)
			authCtx, cancel := context.WithTimeout(ctx, relayAuthHandshakeTimeout)
			defer cancel()
			err = r.Auth(authCtx, func(ae *nostr.Event) error { return s.signer.SignEvent(authCtx, ae) })
			if err != nil {
				log.Printf("preAuth: NIP-42 auth on %s returned: %v", url, err)
			}
		}(url)
	}
}

const (
	relayAuthHandshakeDelay   = 500 * time.Millisecond
	relayAuthHandshakeTimeout = 3 * time.Second
)
