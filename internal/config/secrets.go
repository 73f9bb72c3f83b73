package config

import (
	"fmt"
	"os"
	"strings"
)

// ResolveSecret reads envName, preferring the file named by envName+"_FILE"
// so passwords can be mounted instead of exported. File contents are trimmed.
// An unset secret is the empty string.
func ResolveSecret(envName string) (string, error) {
	fileEnv := envName + "_FILE"
	if filePath := os.Getenv(fileEnv); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from %s=%s: %w", fileEnv, filePath, err)
		}
		return strings.TrimSpace(string(content)), nil
	}
	return os.Getenv(envName), nil
}

// RequireSecret is ResolveSecret for secrets a unit cannot start without.
// The error never contains the secret.
func RequireSecret(envName string) (string, error) {
	value, err := ResolveSecret(envName)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", fmt.Errorf("%s (or %s_FILE) must be set", envName, envName)
	}
	return value, nil
}
