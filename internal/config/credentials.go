package config

import (
	"os"
	"strings"
)

// LoadCredential reads the cached helper API key, if one was saved.
func LoadCredential() string {
	path, err := CredentialPath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SaveCredential caches the helper API key for future runs. The file is
// per-user, mode 0600.
func SaveCredential(key string) error {
	if key == "" {
		return nil
	}
	path, err := CredentialPath()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(key+"\n"), 0600)
}
