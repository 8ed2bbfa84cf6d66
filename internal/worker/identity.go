package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// agentState is the on-disk identity file
type agentState struct {
	ClientID string `json:"client_id"`
}

// NewClientID returns a fresh 32-hex agent identifier.
func NewClientID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// LoadOrCreateClientID reads the client ID from path, generating and saving
// a new one when the file is missing, unreadable or empty.
func LoadOrCreateClientID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var st agentState
		if json.Unmarshal(data, &st) == nil && strings.TrimSpace(st.ClientID) != "" {
			return strings.TrimSpace(st.ClientID), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read agent state: %w", err)
	}

	id := NewClientID()
	if err := SaveClientID(path, id); err != nil {
		return "", err
	}
	return id, nil
}

// SaveClientID writes the identity file atomically.
func SaveClientID(path, clientID string) error {
	data, err := json.MarshalIndent(agentState{ClientID: clientID}, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write agent state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write agent state: %w", err)
	}
	return nil
}
