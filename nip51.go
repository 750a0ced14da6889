package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nbd-wtf/go-nostr"
)

// contactsListFetchedMsg is delivered after fetchContactsListCmd
// completes, carrying the parsed "Chat-Friends" list (empty if none was
// found or it failed to decrypt).
type contactsListFetchedMsg struct {
	Contacts  []Contact
	FetchedAt nostr.Timestamp
}

// fetchContactsListCmd retrieves the user's own kind-30000 "Chat-Friends"
// list, the same QuerySingle-then-decode shape as fetchProfileCmd
// (nostr.go), so locally known DM peers can be cross-checked against
// what was last published from another client.
func fetchContactsListCmd(pool *nostr.SimplePool, relays []string, userPubKey string, signer Signer) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		re := pool.QuerySingle(ctx, relays, nostr.Filter{
			Kinds:   []int{30000},
			Authors: []string{userPubKey},
			Tags:    nostr.TagMap{"d": []string{"Chat-Friends"}},
		})
		if re == nil {
			return contactsListFetchedMsg{}
		}

		contacts, err := parseContactsListEvent(ctx, re.Event, signer)
		if err != nil {
			log.Printf("fetchContactsListCmd: %v", err)
			return contactsListFetchedMsg{}
		}
		return contactsListFetchedMsg{Contacts: contacts, FetchedAt: re.CreatedAt}
	}
}

// publishContactsListCmd builds and publishes the "Chat-Friends" list,
// mirroring publishDMRelaysCmd/publishProfileCmd's publish-to-all shape.
func publishContactsListCmd(pool *nostr.SimplePool, relays []string, contacts []Contact, signer Signer) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		evt, err := buildContactsListEvent(ctx, contacts, signer)
		if err != nil {
			return nostrErrMsg{fmt.Errorf("publishContactsList: %w", err)}
		}
		for range pool.PublishMany(ctx, relays, evt) {
		}
		log.Printf("publishContactsList: published kind 30000 with %d contacts", len(contacts))
		return nil
	}
}

// buildContactsListEvent builds a kind 30000 (categorized people list) event
// with d-tag "Chat-Friends" and NIP-44 self-encrypted content containing
// the contact list in [["p","hexPubkey","relayHint","petname"], ...] format.
// This is compatible with 0xchat's contact list format.
func buildContactsListEvent(ctx context.Context, contacts []Contact, signer Signer) (nostr.Event, error) {
	var inner nostr.Tags
	for _, c := range contacts {
		inner = append(inner, nostr.Tag{"p", c.PubKey, "", c.Name})
	}

	plaintext, err := json.Marshal(inner)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("buildContactsListEvent: marshal: %w", err)
	}

	ciphertext, err := selfEncrypt(ctx, signer, string(plaintext))
	if err != nil {
		return nostr.Event{}, fmt.Errorf("buildContactsListEvent: encrypt: %w", err)
	}

	evt := nostr.Event{
		Kind:      30000,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"d", "Chat-Friends"}},
		Content:   ciphertext,
	}
	if err := signer.SignEvent(ctx, &evt); err != nil {
		return evt, fmt.Errorf("buildContactsListEvent: sign: %w", err)
	}
	return evt, nil
}

// parseContactsListEvent decrypts and parses a kind 30000 "Chat-Friends" event
// into a slice of Contacts.
func parseContactsListEvent(ctx context.Context, evt *nostr.Event, signer Signer) ([]Contact, error) {
	if evt.Content == "" {
		return nil, nil
	}

	plaintext, err := selfDecrypt(ctx, signer, evt.Content)
	if err != nil {
		return nil, fmt.Errorf("parseContactsListEvent: decrypt: %w", err)
	}

	var tags nostr.Tags
	if err := json.Unmarshal([]byte(plaintext), &tags); err != nil {
		return nil, fmt.Errorf("parseContactsListEvent: unmarshal: %w", err)
	}

	var contacts []Contact
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		pk := tag[1]
		name := ""
		// tag[2] is relay hint (skip), tag[3] is petname
		if len(tag) >= 4 {
			name = tag[3]
		}
		if name == "" {
			name = shortPK(pk)
		}
		contacts = append(contacts, Contact{Name: name, PubKey: pk})
	}
	return contacts, nil
}

// contactsFromModel converts the known-DM-peer list plus profile cache into
// a []Contact suitable for building a kind 30000 event.
func contactsFromModel(dmPeers []string, profiles map[string]string) []Contact {
	var contacts []Contact
	for _, pk := range dmPeers {
		name := shortPK(pk)
		if n, ok := profiles[pk]; ok && n != "" {
			name = n
		}
		contacts = append(contacts, Contact{Name: name, PubKey: pk})
	}
	return contacts
}
