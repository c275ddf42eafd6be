package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Transport identifies how a tool provider is reached.
type Transport string

const (
	TransportStdio      Transport = "stdio"
	TransportStreamable Transport = "streamable"
	TransportSSE        Transport = "sse"
	TransportJSONRPC    Transport = "jsonrpc"
)

// Provider names are joined to tool names with "_", so they may not contain one.
var providerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,32}$`)

// ProviderConfig describes one diagnostic tool provider.
type ProviderConfig struct {
	Name           string            `json:"name"`
	Transport      Transport         `json:"transport"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	URL            string            `json:"url,omitempty"`
	ConnectTimeout Duration          `json:"connectTimeout,omitempty"`
	CallTimeout    Duration          `json:"callTimeout,omitempty"`
	Disabled       bool              `json:"disabled,omitempty"`
}

// Duration unmarshals from "10s" style strings or a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type providersFile struct {
	Providers []ProviderConfig `json:"providers"`
}

// LoadProviders reads and validates a providers.json file.
func LoadProviders(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file %s: %w", path, err)
	}
	return ParseProviders(data)
}

// ParseProviders decodes {"providers": [...]} and validates the result.
func ParseProviders(data []byte) ([]ProviderConfig, error) {
	var file providersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse providers: %w", err)
	}
	if err := ValidateProviders(file.Providers); err != nil {
		return nil, err
	}
	return file.Providers, nil
}

// ValidateProviders enforces unique names and transport-specific fields.
func ValidateProviders(providers []ProviderConfig) error {
	seen := make(map[string]bool, len(providers))
	for i, p := range providers {
		if !providerNamePattern.MatchString(p.Name) {
			return fmt.Errorf("provider %d: invalid name %q (letters, digits and '-' only)", i, p.Name)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		seen[key] = true

		switch p.Transport {
		case TransportStdio:
			if strings.TrimSpace(p.Command) == "" {
				return fmt.Errorf("provider %q: stdio transport requires command", p.Name)
			}
		case TransportStreamable, TransportSSE, TransportJSONRPC:
			if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
				return fmt.Errorf("provider %q: %s transport requires an http(s) url", p.Name, p.Transport)
			}
		default:
			return fmt.Errorf("provider %q: unknown transport %q", p.Name, p.Transport)
		}
		if p.ConnectTimeout < 0 || p.CallTimeout < 0 {
			return fmt.Errorf("provider %q: timeouts must not be negative", p.Name)
		}
	}
	return nil
}

// Catalog holds the current provider list. Readers get a snapshot; a reload
// swaps the whole list.
type Catalog struct {
	mu        sync.RWMutex
	providers []ProviderConfig
	version   int
}

// NewCatalog returns a catalog seeded with providers.
func NewCatalog(providers []ProviderConfig) *Catalog {
	c := &Catalog{}
	c.Replace(providers)
	return c
}

// Providers returns a copy of the current provider list.
func (c *Catalog) Providers() []ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProviderConfig, len(c.providers))
	copy(out, c.providers)
	return out
}

// Lookup returns the provider with the given name.
func (c *Catalog) Lookup(name string) (ProviderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Replace swaps in a new provider list.
func (c *Catalog) Replace(providers []ProviderConfig) {
	cp := make([]ProviderConfig, len(providers))
	copy(cp, providers)

	c.mu.Lock()
	c.providers = cp
	c.version++
	c.mu.Unlock()
}

// Version increments on every Replace.
func (c *Catalog) Version() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
