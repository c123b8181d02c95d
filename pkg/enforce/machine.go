package enforce

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	machineFileName = "machine.id"
	seedBytes       = 32
	maxHostPrefix   = 24
)

// Identity ties the client installation to a stable machine id and a secret
// seed. The id is what the authority counts machines by; the seed keys the
// license encryption and the config signature, so state files only verify
// on the machine that wrote them.
type Identity struct {
	MachineID string
	seed      []byte
}

type machineFile struct {
	MachineID string `json:"machineId"`
	Seed      string `json:"seed"`
}

// LoadIdentity returns the identity stored in dir, minting and persisting a
// fresh one on first run. A corrupt identity file is replaced rather than
// repaired; the old config will fail its signature check and the client
// restarts from FREE.
func LoadIdentity(dir string, logger *slog.Logger) (Identity, error) {
	path := filepath.Join(dir, machineFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var mf machineFile
		if jerr := json.Unmarshal(data, &mf); jerr == nil {
			seed, derr := base64.StdEncoding.DecodeString(mf.Seed)
			if derr == nil && mf.MachineID != "" && len(seed) >= 16 {
				return Identity{MachineID: mf.MachineID, seed: seed}, nil
			}
		}
		logger.Warn("machine identity file corrupt, minting a new identity",
			slog.String("path", path))
	case !os.IsNotExist(err):
		return Identity{}, fmt.Errorf("read machine identity: %w", err)
	}

	return mintIdentity(dir, path)
}

func mintIdentity(dir, path string) (Identity, error) {
	seed := make([]byte, seedBytes)
	if _, err := rand.Read(seed); err != nil {
		return Identity{}, fmt.Errorf("generate machine seed: %w", err)
	}
	id := Identity{MachineID: newMachineID(), seed: seed}

	data, err := json.MarshalIndent(machineFile{
		MachineID: id.MachineID,
		Seed:      base64.StdEncoding.EncodeToString(seed),
	}, "", "  ")
	if err != nil {
		return Identity{}, fmt.Errorf("marshal machine identity: %w", err)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return Identity{}, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return Identity{}, fmt.Errorf("write machine identity: %w", err)
	}

	return id, nil
}

// newMachineID builds a host-prefixed random id. The prefix is cosmetic so
// operators reading a machine list can tell installations apart; uniqueness
// comes from the UUID.
func newMachineID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "host"
	}
	host = sanitizeHost(host)
	if len(host) > maxHostPrefix {
		host = host[:maxHostPrefix]
	}
	return host + "-" + uuid.New().String()
}

func sanitizeHost(host string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(host) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "host"
	}
	return s
}
