// Package crypto provides secure credential storage for FieldSync.
// Credentials are encrypted with a machine-derived key and written to
// restricted-permission files under the config directory. Field devices run
// Linux-based systems where no platform key store is guaranteed to exist.
package crypto

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ServiceName is the name used to namespace stored credentials.
	ServiceName = "com.ecofield.fieldsync"

	// AuthTokenAccount is the account name for the API auth token.
	AuthTokenAccount = "auth_token"
)

// SecureStorage provides encrypted file-based credential storage.
type SecureStorage struct {
	serviceName string
	configDir   string
}

// NewSecureStorage creates a new SecureStorage instance rooted at configDir.
func NewSecureStorage(configDir string) *SecureStorage {
	return &SecureStorage{
		serviceName: ServiceName,
		configDir:   configDir,
	}
}

// StoreCredential encrypts and stores a credential value under account.
func (s *SecureStorage) StoreCredential(account, value string) error {
	if s.configDir == "" {
		return fmt.Errorf("config directory not set for secure storage")
	}

	secureDir := filepath.Join(s.configDir, "secure")
	if err := os.MkdirAll(secureDir, 0700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	credFile := filepath.Join(secureDir, sanitizeAccount(account)+".cred")

	machineKey := GetMachineKey(getMachineIdentifier())
	encrypted, err := EncryptString(value, string(machineKey))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	if err := os.WriteFile(credFile, []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	return nil
}

// GetCredential retrieves and decrypts a stored credential.
func (s *SecureStorage) GetCredential(account string) (string, error) {
	if s.configDir == "" {
		return "", fmt.Errorf("config directory not set for secure storage")
	}

	credFile := filepath.Join(s.configDir, "secure", sanitizeAccount(account)+".cred")

	data, err := os.ReadFile(credFile)
	if err != nil {
		return "", fmt.Errorf("credential not found")
	}

	machineKey := GetMachineKey(getMachineIdentifier())
	value, err := DecryptString(string(data), string(machineKey))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}

	return value, nil
}

// DeleteCredential removes a stored credential. Deleting a credential that
// does not exist is not an error.
func (s *SecureStorage) DeleteCredential(account string) error {
	if s.configDir == "" {
		return fmt.Errorf("config directory not set for secure storage")
	}

	credFile := filepath.Join(s.configDir, "secure", sanitizeAccount(account)+".cred")

	if err := os.Remove(credFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}

	return nil
}

// sanitizeAccount makes an account name safe to use as a filename.
func sanitizeAccount(account string) string {
	safe := strings.ReplaceAll(account, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return safe
}

// getMachineIdentifier returns a machine identifier used as part of the
// encryption key for file-based credential storage.
func getMachineIdentifier() string {
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		return "machine:" + strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
		return "machine:" + strings.TrimSpace(string(data))
	}
	hostname, _ := os.Hostname()
	return "host:" + hostname
}
