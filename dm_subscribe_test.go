package main

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestResolveSubscriptionSince_ExplicitArgumentWins(t *testing.T) {
	ls := &LastSync{}
	ls.set(protocolNIP04, 1700000000)
	explicit := nostr.Timestamp(1800000000)

	got := resolveSubscriptionSince(protocolNIP04, &explicit, ls)
	if *got != explicit {
		t.Errorf("expected explicit since to win over lastSync, got %d", *got)
	}
}

func TestResolveSubscriptionSince_NIP04FallsBackToLastSyncMinus10s(t *testing.T) {
	ls := &LastSync{}
	ls.set(protocolNIP04, 1700000000)

	got := resolveSubscriptionSince(protocolNIP04, nil, ls)
	want := nostr.Timestamp(1700000000 - 10)
	if *got != want {
		t.Errorf("expected lastSync-10s=%d, got %d", want, *got)
	}
}

func TestResolveSubscriptionSince_NIP17SubtractsFuzzWindowOnTopOfLastSync(t *testing.T) {
	ls := &LastSync{}
	ls.set(protocolNIP17, 1700100000)

	got := resolveSubscriptionSince(protocolNIP17, nil, ls)
	want := nostr.Timestamp(1700100000 - nip17FuzzWindow)
	if *got != want {
		t.Errorf("expected lastSync-172800s=%d, got %d", want, *got)
	}
}

func TestResolveSubscriptionSince_NIP17AlsoFuzzesExplicitArgument(t *testing.T) {
	ls := &LastSync{}
	explicit := nostr.Timestamp(1700100000)

	got := resolveSubscriptionSince(protocolNIP17, &explicit, ls)
	want := nostr.Timestamp(1700100000 - nip17FuzzWindow)
	if *got != want {
		t.Errorf("expected explicit arg to also get the NIP-17 fuzz subtraction, got %d want %d", *got, want)
	}
}

func TestResolveSubscriptionSince_NoLastSyncFallsBackToNow(t *testing.T) {
	ls := &LastSync{}
	before := nostr.Now()
	got := resolveSubscriptionSince(protocolNIP04, nil, ls)
	after := nostr.Now()

	if *got < before || *got > after {
		t.Errorf("expected a fallback to roughly now(), got %d (window [%d,%d])", *got, before, after)
	}
}

func TestResolveSubscriptionSince_NIP17FallbackAlsoFuzzesNow(t *testing.T) {
	ls := &LastSync{}
	before := nostr.Now() - nip17FuzzWindow
	got := resolveSubscriptionSince(protocolNIP17, nil, ls)
	after := nostr.Now() - nip17FuzzWindow

	if *got < before || *got > after {
		t.Errorf("expected the now() fallback to also subtract the fuzz window, got %d (window [%d,%d])", *got, before, after)
	}
}

func TestResolveSubscriptionSince_ClampsAtZero(t *testing.T) {
	ls := &LastSync{}
	ls.set(protocolNIP17, 100) // far less than the fuzz window
	got := resolveSubscriptionSince(protocolNIP17, nil, ls)
	if *got != 0 {
		t.Errorf("expected clamping to 0, got %d", *got)
	}
}
