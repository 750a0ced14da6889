package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nbd-wtf/go-nostr"
)

// blossomUploadMsg is returned on successful upload. Only this URL+hash
// metadata is consumed by the send pipeline (dm_send.go's Attachment);
// everything else about Blossom stays server-side.
type blossomUploadMsg struct {
	URL      string
	SHA256   string
	Size     int64
	MimeType string
}

// blossomUploadErrMsg is returned when the file cannot be resolved or read,
// the auth event cannot be built, or every configured server rejects the
// upload.
type blossomUploadErrMsg struct{ err error }

func (e blossomUploadErrMsg) Error() string { return e.err.Error() }

// blossomAuthEvent builds the kind-24242 BUD-02 authorization event a
// Blossom server expects in the upload request's Authorization header,
// signed through the engine's Signer abstraction (dm_signer.go) rather than
// a raw private key, matching how dm_send.go/nostr.go route every other
// outgoing event through the same collaborator.
func blossomAuthEvent(ctx context.Context, signer Signer, hashHex string) (nostr.Event, error) {
	evt := nostr.Event{
		Kind:      24242,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"t", "upload"},
			{"x", hashHex},
			{"expiration", fmt.Sprintf("%d", time.Now().Add(5*time.Minute).Unix())},
		},
	}
	if err := signer.SignEvent(ctx, &evt); err != nil {
		return evt, fmt.Errorf("blossomAuthEvent: %w", err)
	}
	return evt, nil
}

// blossomUploadOutcome is one server's attempt result, collected by
// uploadToBlossomServers below.
type blossomUploadOutcome struct {
	server string
	url    string
	err    error
}

// blossomUploadCmd reads filePath, hashes it, and fans the upload out to
// every configured Blossom server concurrently, returning the first
// success (or every failure, joined, if none succeeded).
func blossomUploadCmd(servers []string, filePath string, signer Signer) tea.Cmd {
	return func() tea.Msg {
		resolved, err := expandHome(filePath)
		if err != nil {
			return blossomUploadErrMsg{fmt.Errorf("blossom: resolve path: %w", err)}
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return blossomUploadErrMsg{fmt.Errorf("blossom: read file: %w", err)}
		}

		sum := sha256.Sum256(data)
		hashHex := hex.EncodeToString(sum[:])
		mimeType := http.DetectContentType(data)

		ctx := context.Background()
		authEvt, err := blossomAuthEvent(ctx, signer, hashHex)
		if err != nil {
			return blossomUploadErrMsg{err}
		}
		authHeader, err := encodeBlossomAuthHeader(authEvt)
		if err != nil {
			return blossomUploadErrMsg{fmt.Errorf("blossom: encode auth header: %w", err)}
		}

		outcomes := uploadToBlossomServers(servers, data, mimeType, authHeader, hashHex)

		var succeeded string
		var failures []string
		for _, o := range outcomes {
			if o.err != nil {
				log.Printf("blossom: upload to %s failed: %v", o.server, o.err)
				failures = append(failures, fmt.Sprintf("%s: %v", o.server, o.err))
				continue
			}
			log.Printf("blossom: uploaded to %s -> %s", o.server, o.url)
			if succeeded == "" {
				succeeded = o.url
			}
		}
		if succeeded == "" {
			return blossomUploadErrMsg{fmt.Errorf("blossom: all servers failed: %s", strings.Join(failures, "; "))}
		}

		return blossomUploadMsg{URL: succeeded, SHA256: hashHex, Size: int64(len(data)), MimeType: mimeType}
	}
}

// encodeBlossomAuthHeader base64-wraps the signed auth event per BUD-01's
// "Nostr <base64(event)>" Authorization header format.
func encodeBlossomAuthHeader(evt nostr.Event) (string, error) {
	evtJSON, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(evtJSON), nil
}

// uploadToBlossomServers PUTs data to every server in parallel and collects
// every outcome (success or failure) before returning, so the caller can
// report the full failure set if all attempts fail.
func uploadToBlossomServers(servers []string, data []byte, mimeType, authHeader, hashHex string) []blossomUploadOutcome {
	out := make(chan blossomUploadOutcome, len(servers))
	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(server string) {
			defer wg.Done()
			out <- uploadToOneBlossomServer(server, data, mimeType, authHeader, hashHex)
		}(server)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	var outcomes []blossomUploadOutcome
	for o := range out {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func uploadToOneBlossomServer(server string, data []byte, mimeType, authHeader, hashHex string) blossomUploadOutcome {
	uploadURL := strings.TrimRight(server, "/") + "/upload"
	req, err := http.NewRequest(http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return blossomUploadOutcome{server: server, err: err}
	}
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Content-Type", mimeType)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return blossomUploadOutcome{server: server, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return blossomUploadOutcome{server: server, err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return blossomUploadOutcome{server: server, err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
	}

	var descriptor struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &descriptor); err != nil || descriptor.URL == "" {
		// BUD-02 always returns the blob descriptor, but fall back to the
		// conventional server/hash layout if a server omits it.
		descriptor.URL = strings.TrimRight(server, "/") + "/" + hashHex
	}
	return blossomUploadOutcome{server: server, url: descriptor.URL}
}

// expandHome resolves a leading "~/" against the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home + path[1:], nil
}

// isFilePath reports whether s looks like an existing, non-directory file
// path, used to distinguish a pasted attachment path from ordinary message
// text in handleEnter (update.go).
func isFilePath(s string) bool {
	if !strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "~/") {
		return false
	}
	if strings.ContainsRune(s, '\n') {
		return false
	}
	resolved, err := expandHome(s)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
