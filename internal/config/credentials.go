package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// credentialSubdir is where per-provider credential files live under the
// platform configuration directory (os.UserConfigDir(), e.g.
// ~/.config on Linux, ~/Library/Application Support on macOS).
const credentialSubdir = "agentgate/credentials"

// ResolveCredentials fills cfg.Credentials for every provider tag named by
// the default agent or its fallback, in priority order: environment
// variable named per provider, then a credential file under the platform
// configuration directory (honored only when the file is owner-only
// readable), then absent. Credentials never appear in the parsed document
// itself (GatewayConfig.Token and every provider field here are json:"-")
// and are never threaded through to plugins.
func ResolveCredentials(c *Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Credentials == nil {
		c.Credentials = make(map[string]string)
	}

	seen := make(map[string]bool)
	providers := []string{c.Agent.Provider}
	if c.Agent.Fallback != nil {
		providers = append(providers, c.Agent.Fallback.Provider)
	}

	for _, name := range providers {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		if v := os.Getenv(envVarForProvider(name)); v != "" {
			c.Credentials[name] = v
			continue
		}

		key, err := readCredentialFile(name)
		if err != nil {
			return err
		}
		if key != "" {
			c.Credentials[name] = key
		}
	}

	if v := os.Getenv("AGENTGATE_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	} else {
		token, err := readCredentialFile("gateway-token")
		if err != nil {
			return err
		}
		c.Gateway.Token = token
	}

	return nil
}

// Credential returns the resolved API key for provider, if any was found.
func (c *Config) Credential(provider string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.Credentials[provider]
	return v, ok
}

// envVarForProvider matches the existing AGENTGATE_*-prefixed convention
// already used by applyEnvOverrides, one variable per provider tag (e.g.
// "anthropic" -> AGENTGATE_ANTHROPIC_API_KEY).
func envVarForProvider(provider string) string {
	return "AGENTGATE_" + strings.ToUpper(provider) + "_API_KEY"
}

// readCredentialFile looks for <configDir>/agentgate/credentials/<provider>.key
// and refuses to honor it unless its permission bits grant access to the
// owner only.
func readCredentialFile(provider string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		// No platform config directory available (e.g. minimal containers):
		// this tier is simply unavailable, not an error.
		return "", nil
	}

	path := filepath.Join(dir, credentialSubdir, provider+".key")
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("config: credential file %s: %w", path, err)
	}

	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("config: credential file %s must not be readable or writable by group/other (mode %o)", path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: credential file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
