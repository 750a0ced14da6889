package main

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// subscriptionReconnectDelay paces the orchestrator's reconnect polling:
// the subscription manager itself never reconnects, so the orchestrator
// restarts a dropped subscription on top of it.
const subscriptionReconnectDelay = 5 * time.Second

// Phase is one of the loader state machine's five states.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseCache         Phase = "cache"
	PhaseRelays        Phase = "relays"
	PhaseSubscriptions Phase = "subscriptions"
	PhaseReady         Phase = "ready"
)

// PhaseEvent is delivered on the orchestrator's channel as it advances.
// Degraded is set when READY was reached via the error path.
type PhaseEvent struct {
	Phase    Phase
	Degraded bool
	Err      error
}

// engineDeps bundles every external collaborator the orchestrator needs;
// constructed once in main.go and threaded through the rest of the engine.
type engineDeps struct {
	pool       relayPool
	relays     []string
	signer     Signer
	userPubKey string
	cache      *CacheStore
	nip17Enabled bool
	nip04Enabled bool
	relayAuthHandshakeMS int
	maxMessages          int
}

// Orchestrator drives IDLE -> CACHE -> RELAYS -> SUBSCRIPTIONS -> READY.
// One instance exists per authenticated user/relay-set; account
// change or relay-URL change tears it down and a fresh one is entered.
type Orchestrator struct {
	mu                      sync.Mutex
	isLoading               bool
	hasInitialLoadCompleted bool
	shouldSaveImmediately   bool
	phase                   Phase
	scanned                 map[string]int

	deps    engineDeps
	Reducer *Reducer
	Subs    *SubscriptionManager
	Persist *PersistenceScheduler

	// newestObserved tracks, per protocol, the newest timestamp seen
	// during this session's backfill, used to seed the live subscription
	// (falling back to lastSync when a backfill saw nothing).
	newestObserved map[string]nostr.Timestamp
}

func newOrchestrator(deps engineDeps, flagProtocolOnError bool) *Orchestrator {
	reducer := newReducer(flagProtocolOnError)
	return &Orchestrator{
		deps:           deps,
		Reducer:        reducer,
		Subs:           newSubscriptionManager(deps.pool, deps.relays, deps.signer, deps.relayAuthHandshakeMS),
		Persist:        newPersistenceScheduler(deps.cache, reducer.conv, reducer.lastSync, deps.signer, deps.userPubKey, deps.maxMessages),
		phase:          PhaseIdle,
		scanned:        make(map[string]int),
		newestObserved: make(map[string]nostr.Timestamp),
	}
}

// Start runs the full state sequence and streams phase transitions on the
// returned channel, which is closed once the engine has reached READY (or
// degraded READY on error). Concurrent calls are short-circuited by the
// isLoading gate.
func (o *Orchestrator) Start(ctx context.Context) <-chan PhaseEvent {
	out := make(chan PhaseEvent, 8)

	o.mu.Lock()
	if o.isLoading || o.hasInitialLoadCompleted {
		o.mu.Unlock()
		close(out)
		return out
	}
	o.isLoading = true
	o.mu.Unlock()

	go func() {
		defer close(out)
		o.checkRelaySnapshot()
		o.setPhase(PhaseCache)
		out <- PhaseEvent{Phase: PhaseCache}
		o.runCachePhase(ctx)

		// hasInitialLoadCompleted must be set before isLoading is released,
		// or a dependency-change re-entry arriving between the two would
		// re-trigger the whole load.
		o.mu.Lock()
		o.hasInitialLoadCompleted = true
		o.isLoading = false
		o.mu.Unlock()

		o.setPhase(PhaseReady)
		out <- PhaseEvent{Phase: PhaseReady}

		o.setPhase(PhaseRelays)
		out <- PhaseEvent{Phase: PhaseRelays}
		degraded, err := o.runRelaysPhase(ctx)

		o.setPhase(PhaseSubscriptions)
		out <- PhaseEvent{Phase: PhaseSubscriptions}
		o.runSubscriptionsPhase(ctx)

		o.setPhase(PhaseReady)
		out <- PhaseEvent{Phase: PhaseReady, Degraded: degraded, Err: err}
	}()

	return out
}

// checkRelaySnapshot compares the relay set the cached document was built
// against with the currently effective one, discarding the cache on
// mismatch so a relay switch triggers a full refetch instead of replaying
// another relay set's history. The new set is recorded either way.
func (o *Orchestrator) checkRelaySnapshot() {
	stored := o.deps.cache.readRelaySnapshot(o.deps.userPubKey)
	if stored != nil && !slices.Equal(stored, o.deps.relays) {
		log.Printf("orchestrator: relay set changed (%v -> %v), discarding cache", stored, o.deps.relays)
		if err := o.deps.cache.delete(o.deps.userPubKey); err != nil {
			log.Printf("orchestrator: cache delete failed: %v", err)
		}
		o.Reducer.clear()
	}
	if err := o.deps.cache.writeRelaySnapshot(o.deps.userPubKey, o.deps.relays); err != nil {
		log.Printf("orchestrator: relay snapshot write failed: %v", err)
	}
}

// runCachePhase loads the encrypted cache document and populates the
// reducer. This is synchronous and must complete before the
// engine reports READY the first time, so cached history renders
// immediately.
func (o *Orchestrator) runCachePhase(ctx context.Context) {
	doc, ok := o.deps.cache.read(ctx, o.deps.userPubKey, o.deps.signer)
	if !ok {
		return
	}
	populateFromCache(doc, o.Reducer)
}

// runRelaysPhase runs NIP-04 and (if enabled) NIP-17 backfill in
// parallel, merges results via the reducer, and schedules an immediate
// flush if either protocol returned new messages. Any panic degrades
// READY rather than propagating out of a user-visible entry point.
func (o *Orchestrator) runRelaysPhase(ctx context.Context) (degraded bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			degraded = true
			log.Printf("orchestrator: relays phase recovered: %v", r)
		}
	}()

	var wg sync.WaitGroup
	var nip04Result, nip17Result fetchResult
	var nip04Err, nip17Err error
	var nip04Panicked, nip17Panicked bool

	if o.deps.nip04Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					nip04Panicked = true
					log.Printf("orchestrator: nip04 backfill recovered: %v", r)
				}
			}()
			nip04Result, nip04Err = o.runOneBackfill(ctx, protocolNIP04)
		}()
	}
	if o.deps.nip17Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					nip17Panicked = true
					log.Printf("orchestrator: nip17 backfill recovered: %v", r)
				}
			}()
			nip17Result, nip17Err = o.runOneBackfill(ctx, protocolNIP17)
		}()
	}
	wg.Wait()

	if nip04Result.NewestTimestamp > 0 {
		o.newestObserved[protocolNIP04] = nip04Result.NewestTimestamp
	}
	if nip17Result.NewestTimestamp > 0 {
		o.newestObserved[protocolNIP17] = nip17Result.NewestTimestamp
	}

	o.mu.Lock()
	o.scanned[protocolNIP04] += nip04Result.Count
	o.scanned[protocolNIP17] += nip17Result.Count
	o.mu.Unlock()

	if nip04Result.Count > 0 || nip17Result.Count > 0 {
		o.shouldSaveImmediately = true
		if err := o.Persist.flushImmediate(ctx); err != nil {
			log.Printf("orchestrator: immediate flush failed: %v", err)
		}
	} else {
		o.Persist.scheduleDebounced()
	}

	if nip04Err != nil {
		err = nip04Err
	} else if nip17Err != nil {
		err = nip17Err
	}
	return nip04Panicked || nip17Panicked, err
}

// runOneBackfill runs the batched fetch for one protocol and always
// updates lastSync to the current wall-clock time on completion, whether
// or not any events came back: it records that the relay has been asked,
// so the next session doesn't re-request the same empty range.
func (o *Orchestrator) runOneBackfill(ctx context.Context, protocol string) (fetchResult, error) {
	since := o.Reducer.lastSync.get(protocol)
	result := fetchBackfill(ctx, o.deps.pool, o.deps.relays, o.deps.userPubKey, protocol, since, o.deps.signer, o.Reducer)
	o.Reducer.lastSync.set(protocol, nostr.Now())
	return result, nil
}

// runSubscriptionsPhase opens live subscriptions for enabled protocols,
// seeded from each protocol's newest observed backfill timestamp,
// falling back to lastSync.
func (o *Orchestrator) runSubscriptionsPhase(ctx context.Context) {
	if o.deps.nip04Enabled {
		since := o.subscriptionSeed(protocolNIP04)
		o.Subs.start(ctx, protocolNIP04, since, o.deps.userPubKey, o.Reducer)
		go o.monitorReconnect(ctx, protocolNIP04)
	}
	if o.deps.nip17Enabled {
		since := o.subscriptionSeed(protocolNIP17)
		o.Subs.start(ctx, protocolNIP17, since, o.deps.userPubKey, o.Reducer)
		go o.monitorReconnect(ctx, protocolNIP17)
	}
}

// monitorReconnect polls a protocol's subscription every
// subscriptionReconnectDelay and restarts it if the underlying stream
// ended, since dm_subscribe.go's SubscriptionManager only flips
// connected false on drop and never reconnects on its own.
func (o *Orchestrator) monitorReconnect(ctx context.Context, protocol string) {
	ticker := time.NewTicker(subscriptionReconnectDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.Subs.isConnected(protocol) {
				log.Printf("orchestrator: %s subscription dropped, reconnecting", protocol)
				o.Subs.start(ctx, protocol, nil, o.deps.userPubKey, o.Reducer)
			}
		}
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

func (o *Orchestrator) subscriptionSeed(protocol string) *nostr.Timestamp {
	if ts, ok := o.newestObserved[protocol]; ok && ts > 0 {
		return &ts
	}
	return o.Reducer.lastSync.get(protocol)
}

// clearCacheAndRefetch is the relay-switch / hard-refresh reset:
// subscriptions close, the cache document is deleted, the
// ConversationMap/LastSync reset, and the state machine is free to
// re-enter CACHE -> ... from scratch.
func (o *Orchestrator) clearCacheAndRefetch(ctx context.Context) {
	o.Subs.stopAll()
	if err := o.deps.cache.delete(o.deps.userPubKey); err != nil {
		log.Printf("orchestrator: cache delete failed: %v", err)
	}
	o.Reducer.clear()
	o.newestObserved = make(map[string]nostr.Timestamp)
	o.mu.Lock()
	o.hasInitialLoadCompleted = false
	o.isLoading = false
	o.phase = PhaseIdle
	o.scanned = make(map[string]int)
	o.mu.Unlock()
}

// shutdown closes all subscriptions and flushes any pending state. Called
// on component shutdown (the /quit command).
func (o *Orchestrator) shutdown(ctx context.Context) {
	o.Subs.stopAll()
	if err := o.Persist.flushImmediate(ctx); err != nil {
		log.Printf("orchestrator: shutdown flush failed: %v", err)
	}
}
