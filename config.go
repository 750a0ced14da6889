package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type ProfileConfig struct {
	Name        string `toml:"name"`
	DisplayName string `toml:"display_name"`
	About       string `toml:"about"`
	Picture     string `toml:"picture"`
}

type Config struct {
	Relays              []string      `toml:"relays"`
	PrivateKeyFile      string        `toml:"private_key_file"`
	MaxMessages         int           `toml:"max_messages"`
	Profile             ProfileConfig `toml:"profile"`
	FlagProtocolOnError bool          `toml:"flag_protocol_on_error"`
	NIP04Enabled        bool          `toml:"nip04_enabled"`
	NIP17Enabled        bool          `toml:"nip17_enabled"`
	RelayAuthHandshakeMS int          `toml:"relay_auth_handshake_ms"`
}

func defaultConfig() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://nos.lol",
		},
		MaxMessages:  500,
		NIP04Enabled: true,
		NIP17Enabled: true,
		RelayAuthHandshakeMS: 500,
	}
}

func configPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("NITROUS_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "nitrous", "config.toml")
}

func LoadConfig(flagPath string) (Config, error) {
	cfg := defaultConfig()

	path := configPath(flagPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 500
	}
	if len(cfg.Relays) == 0 {
		cfg.Relays = defaultConfig().Relays
	}

	return cfg, nil
}

// Contact maps a display name to a hex pubkey. Used to seed the "Chat-Friends"
// kind 30000 list (nip51.go) from peers the user already talks to.
type Contact struct {
	Name   string
	PubKey string
}

// contactsPath returns the path to the contacts file, in the same directory as the config.
func contactsPath(cfgFlagPath string) string {
	dir := filepath.Dir(configPath(cfgFlagPath))
	return filepath.Join(dir, "contacts")
}

// LoadContacts reads the contacts file. Each line is "name hex_pubkey".
// Returns an empty slice if the file doesn't exist.
func LoadContacts(cfgFlagPath string) ([]Contact, error) {
	path := contactsPath(cfgFlagPath)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var contacts []Contact
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		pk := strings.TrimSpace(parts[1])
		if name != "" && pk != "" {
			contacts = append(contacts, Contact{Name: name, PubKey: pk})
		}
	}
	return contacts, scanner.Err()
}

// AppendContact adds a contact to the contacts file if not already present.
func AppendContact(cfgFlagPath string, contact Contact) error {
	existing, _ := LoadContacts(cfgFlagPath)
	for _, c := range existing {
		if c.PubKey == contact.PubKey {
			return nil
		}
	}

	path := contactsPath(cfgFlagPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s\n", contact.Name, contact.PubKey)
	return err
}

// UpdateContactName rewrites the contact's name in the contacts file.
// No-op if the pubkey is not in the file or the name is unchanged.
func UpdateContactName(cfgFlagPath string, pubkey, newName string) error {
	contacts, err := LoadContacts(cfgFlagPath)
	if err != nil || len(contacts) == 0 {
		return err
	}

	changed := false
	for i, c := range contacts {
		if c.PubKey == pubkey && c.Name != newName {
			contacts[i].Name = newName
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}

	path := contactsPath(cfgFlagPath)
	var lines []string
	for _, c := range contacts {
		lines = append(lines, fmt.Sprintf("%s %s", c.Name, c.PubKey))
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)
}
