package main

import (
	"context"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// handleCommand dispatches a leading-slash line typed into the input box.
// The command set is deliberately small: there is only one kind of
// conversation (a DM), so there's no /join, /channel, /group, or /room.
func (m *model) handleCommand(text string) (tea.Model, tea.Cmd) {
	parts := strings.SplitN(text, " ", 2)
	cmd := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/dm":
		if arg == "" {
			m.addSystemMsg("usage: /dm <npub, hex pubkey, or NIP-05 address> [message]")
			return m, nil
		}
		return m.openDM(arg)

	case "/npub":
		m.qrOverlay = renderQR("Your npub:", "nostr:"+m.keys.NPub)
		return m, nil

	case "/refresh":
		return m.hardRefresh()

	case "/close":
		m.activePeer = ""
		m.updateViewport()
		return m, nil

	case "/quit":
		m.orch.shutdown(context.Background())
		return m, tea.Quit

	case "/help":
		m.addSystemMsg("commands: /dm <target> [text], /npub, /refresh, /close, /quit, /help")
		return m, nil

	default:
		m.addSystemMsg("unknown command: " + cmd + " (try /help)")
		return m, nil
	}
}

// openDM resolves arg to a pubkey (npub, raw hex, or NIP-05 identifier) and
// switches the active conversation to it. A NIP-05 identifier resolves
// asynchronously (nostr.go's resolveNIP05Cmd); anything after the target in
// the original /dm invocation is held in pendingDMText and sent once the
// lookup completes (handleNIP05Resolved, update.go).
func (m *model) openDM(arg string) (tea.Model, tea.Cmd) {
	target, text, _ := strings.Cut(arg, " ")
	text = strings.TrimSpace(text)

	switch {
	case strings.HasPrefix(target, "npub1"):
		prefix, val, err := nip19.Decode(target)
		if err != nil || prefix != "npub" {
			m.addSystemMsg("invalid npub: " + target)
			return m, nil
		}
		pk := val.(string)
		m.activePeer = pk
		m.clearUnread(pk)
		m.updateViewport()
		cmd := m.maybeRequestProfile(pk)
		if text == "" {
			return m, cmd
		}
		return m, tea.Batch(cmd, m.sendText(pk, text))

	case isHexPubkey(target):
		m.activePeer = target
		m.clearUnread(target)
		m.updateViewport()
		cmd := m.maybeRequestProfile(target)
		if text == "" {
			return m, cmd
		}
		return m, tea.Batch(cmd, m.sendText(target, text))

	case strings.Contains(target, "@"):
		m.pendingDMIdent = target
		m.pendingDMText = text
		m.addSystemMsg("resolving " + target + "...")
		return m, resolveNIP05Cmd(target)

	default:
		m.addSystemMsg("unrecognized /dm target: " + target)
		return m, nil
	}
}

func isHexPubkey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// renderQR renders a QR code with a title line above it.
func renderQR(title, content string) string {
	var buf strings.Builder
	buf.WriteString(qrTitleStyle.Render(title))
	buf.WriteString("\n\n")
	qrterminal.GenerateWithConfig(content, qrterminal.Config{
		Level:          qrterminal.M,
		Writer:         &buf,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		QuietZone:      1,
	})
	buf.WriteString("\n")
	buf.WriteString(chatSystemStyle.Render(content))
	return buf.String()
}
