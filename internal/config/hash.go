package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the BLAKE3 hash of the config file at configPath, hex
// encoded. It identifies which configuration a running daemon loaded.
func Fingerprint(configPath string) (string, error) {
	absPath, err := Resolve(configPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
