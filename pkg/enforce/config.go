package enforce

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"keygate/internal/security"
	v1 "keygate/pkg/contracts/v1"
	"keygate/pkg/tier"
)

const (
	configFileName = "client.json"

	// The config file carries a license key fragment and the machine id, so
	// both the directory and every file in it stay private to the user.
	dirPerm  = 0o700
	filePerm = 0o600

	// dateLayout is the local calendar date used for daily usage resets.
	dateLayout = "2006-01-02"
)

// UsageCounters is the locally metered consumption state.
type UsageCounters struct {
	CallsToday    int    `json:"callsToday"`
	LastResetDate string `json:"lastResetDate,omitempty"`
}

// ClientConfig is the durable client state. Tier, Features and Limits are
// the resolved entitlements in effect; EncryptedKey holds the license key
// sealed under the machine seed so a copied config file is useless on
// another machine. Signature makes local edits detectable: a config that
// fails verification is discarded and the client starts over at FREE.
type ClientConfig struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MachineID     string               `json:"machineId"`
	EncryptedKey  string               `json:"encryptedKey,omitempty"`
	Tier          tier.Tier            `json:"tier"`
	TierVersion   int                  `json:"tierVersion,omitempty"`
	Features      []string             `json:"features"`
	Limits        v1.Limits            `json:"limits"`
	Usage         UsageCounters        `json:"usage"`
	Subscription  *v1.SubscriptionInfo `json:"subscription,omitempty"`
	LastValidated time.Time            `json:"lastValidated,omitempty"`
	ValidUntil    time.Time            `json:"validUntil,omitempty"`
	Signature     string               `json:"signature,omitempty"`
}

const currentSchemaVersion = 1

// freshConfig returns the FREE-tier starting state a client runs with until
// a license key is configured and validated.
func freshConfig(table *tier.Table) *ClientConfig {
	return &ClientConfig{
		SchemaVersion: currentSchemaVersion,
		Tier:          tier.Free,
		TierVersion:   table.Version,
		Features:      table.Features(tier.Free),
		Limits:        v1.LimitsFromTier(table.Limits(tier.Free)),
	}
}

// DefaultConfigDir returns the per-user directory the client stores its
// state in.
func DefaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "keygate"), nil
}

// ConfigStore persists ClientConfig in a single JSON file, written
// atomically with restrictive permissions and signed with the machine seed.
type ConfigStore struct {
	dir    string
	path   string
	seed   []byte
	logger *slog.Logger
}

// NewConfigStore creates a store rooted at dir. The seed signs and verifies
// the stored file.
func NewConfigStore(dir string, seed []byte, logger *slog.Logger) *ConfigStore {
	return &ConfigStore{
		dir:    dir,
		path:   filepath.Join(dir, configFileName),
		seed:   seed,
		logger: logger,
	}
}

// Dir returns the config directory.
func (s *ConfigStore) Dir() string { return s.dir }

// Path returns the config file path.
func (s *ConfigStore) Path() string { return s.path }

// Load reads the stored config. A missing file returns (nil, nil); an
// unreadable, unparseable or tampered file returns an error. Callers fall
// back to freshConfig in either case.
func (s *ConfigStore) Load() (*ClientConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read client config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}
	if cfg.SchemaVersion != currentSchemaVersion {
		return nil, fmt.Errorf("unsupported client config schema %d", cfg.SchemaVersion)
	}

	expected, err := configMAC(&cfg, s.seed)
	if err != nil {
		return nil, fmt.Errorf("verify client config: %w", err)
	}
	if !security.SecureCompare([]byte(cfg.Signature), []byte(expected)) {
		return nil, fmt.Errorf("client config signature mismatch")
	}

	return &cfg, nil
}

// Save writes cfg atomically: the signed JSON goes to a temp file in the
// same directory and is renamed over the old one, so a crash mid-write
// never leaves a torn config behind.
func (s *ConfigStore) Save(cfg *ClientConfig) error {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	mac, err := configMAC(cfg, s.seed)
	if err != nil {
		return fmt.Errorf("sign client config: %w", err)
	}
	cfg.Signature = mac

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal client config: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".client-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write client config: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("set config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace client config: %w", err)
	}

	return nil
}

// configMAC computes the HMAC-SHA256 signature over the config with its
// Signature field blanked.
func configMAC(cfg *ClientConfig, seed []byte) (string, error) {
	clone := *cfg
	clone.Signature = ""
	data, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, seed)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// encryptKey seals a license key under the machine seed for storage in the
// config file.
func encryptKey(key string, seed []byte) (string, error) {
	payload, err := security.EncryptSecret([]byte(key), seed, nil)
	if err != nil {
		return "", err
	}
	return payload.Encode()
}

// decryptKey reverses encryptKey. It fails when the config was copied from
// a different machine or the payload was altered.
func decryptKey(encoded string, seed []byte) (string, error) {
	payload, err := security.DecodePayload(encoded)
	if err != nil {
		return "", err
	}
	raw, err := security.DecryptSecret(payload, seed, nil)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
