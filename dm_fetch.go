package main

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	fetchBatchSize   = 1000
	fetchGlobalCap   = 20000
	fetchNIP04Timeout = 15 * time.Second
	fetchNIP17Timeout = 30 * time.Second

	// nip17FuzzWindow is the ±2-day window NIP-59 allows a gift wrap's
	// created_at to be randomized within. Every since-bounded NIP-17 query
	// must reach back this far or it misses messages whose outer timestamp
	// was shifted into the past.
	nip17FuzzWindow = 2 * 24 * 60 * 60
)

// fetchResult summarizes one protocol's backfill run: the newest raw
// timestamp observed and how many events the relay served.
type fetchResult struct {
	NewestTimestamp nostr.Timestamp
	Count           int
}

// relayQuerier is the one-shot filtered fetch half of the relay pool.
type relayQuerier interface {
	QuerySync(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event
}

// fetchBackfill runs the bounded paginated since-based backfill for one
// protocol, decoding and merging every valid batch into the reducer as
// it arrives. since may be nil ("from the beginning of time").
func fetchBackfill(ctx context.Context, pool relayQuerier, relays []string, userPubKey string, protocol string, since *nostr.Timestamp, signer Signer, reducer *Reducer) fetchResult {
	timeout := fetchNIP04Timeout
	effectiveSince := since
	if protocol == protocolNIP17 {
		timeout = fetchNIP17Timeout
		effectiveSince = fuzzedSince(since)
	}

	var newest nostr.Timestamp
	total := 0
	cursor := effectiveSince

	for total < fetchGlobalCap {
		qctx, cancel := context.WithTimeout(ctx, timeout)
		batch, rawCount, oldest := fetchOneBatch(qctx, pool, relays, userPubKey, protocol, cursor)
		cancel()

		// Termination and the global cap are judged against the raw relay
		// response size (vs the per-filter limit), not the count
		// surviving kind/p-tag/content validation — a page of malformed
		// kind-4 events must not look like "the relay ran out of history".
		if rawCount == 0 {
			break
		}
		total += rawCount

		var msgs []*DecryptedMessage
		var partners []string
		for _, evt := range batch {
			if evt.CreatedAt > newest {
				newest = evt.CreatedAt
			}
			msg, partner, ok := decodeOne(ctx, evt, userPubKey, protocol, signer)
			if !ok {
				continue
			}
			msgs = append(msgs, msg)
			partners = append(partners, partner)
		}
		reducer.merge(msgs, partners, protocol)

		if rawCount < fetchBatchSize {
			break
		}
		cursor = &oldest
	}

	return fetchResult{NewestTimestamp: newest, Count: total}
}

// fuzzedSince subtracts the NIP-59 fuzz window from since. A nil since
// stays nil ("from the beginning of time" is unaffected by a
// fixed offset).
func fuzzedSince(since *nostr.Timestamp) *nostr.Timestamp {
	if since == nil {
		return nil
	}
	adjusted := *since - nip17FuzzWindow
	if adjusted < 0 {
		adjusted = 0
	}
	return &adjusted
}

// fetchOneBatch issues one bounded query per protocol and returns the
// validated events to merge, the raw (pre-validation) relay response size,
// and the oldest created_at observed (used to advance the cursor for the
// next iteration). The raw count, not the validated one, is what the
// caller must use to decide whether the relay has more history to give.
func fetchOneBatch(ctx context.Context, pool relayQuerier, relays []string, userPubKey, protocol string, since *nostr.Timestamp) (valid []*nostr.Event, rawCount int, oldest nostr.Timestamp) {
	if protocol == protocolNIP17 {
		filter := nostr.Filter{
			Kinds: []int{1059},
			Tags:  nostr.TagMap{"p": []string{userPubKey}},
			Limit: fetchBatchSize,
		}
		if since != nil {
			filter.Since = since
		}
		events := pool.QuerySync(ctx, relays, filter)
		return events, len(events), oldestOf(events)
	}

	toMeFilter := nostr.Filter{
		Kinds: []int{4},
		Tags:  nostr.TagMap{"p": []string{userPubKey}},
		Limit: fetchBatchSize,
	}
	fromMeFilter := nostr.Filter{
		Kinds:   []int{4},
		Authors: []string{userPubKey},
		Limit:   fetchBatchSize,
	}
	if since != nil {
		toMeFilter.Since = since
		fromMeFilter.Since = since
	}

	toMe := pool.QuerySync(ctx, relays, toMeFilter)
	fromMe := pool.QuerySync(ctx, relays, fromMeFilter)

	for _, evt := range append(toMe, fromMe...) {
		if evt.Kind != 4 || evt.Content == "" || tagValue(evt.Tags, "p") == "" {
			continue
		}
		valid = append(valid, evt)
	}

	// since advances to the oldest timestamp observed among the two
	// filter halves (the minimum of the two).
	oldest = minTimestamp(oldestOf(toMe), oldestOf(fromMe))
	return valid, len(toMe) + len(fromMe), oldest
}

func oldestOf(events []*nostr.Event) nostr.Timestamp {
	if len(events) == 0 {
		return 0
	}
	oldest := events[0].CreatedAt
	for _, e := range events[1:] {
		if e.CreatedAt < oldest {
			oldest = e.CreatedAt
		}
	}
	return oldest
}

func minTimestamp(a, b nostr.Timestamp) nostr.Timestamp {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
