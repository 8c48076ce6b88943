// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

// Package config contains the gateway configuration model and the logic to
// load and validate it. A single configuration file describes the listen
// address, protocol limits, and the spaces the gateway hosts with their
// participant tables.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/mewproto/mew/pkg/protocol"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a
// duration string. This ensures duration values are serialized as "30s",
// "1m", etc. instead of nanosecond integers.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the root gateway configuration.
type Config struct {
	// Listen is the host:port the gateway binds.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// Limits tunes protocol and transport limits. Missing fields are filled
	// from defaults at load time.
	Limits *Limits `json:"limits,omitempty" yaml:"limits,omitempty"`

	// Auth configures token resolution beyond the static participant table.
	Auth *AuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`

	// Spaces maps space name to its participant table.
	Spaces map[string]*SpaceConfig `json:"spaces" yaml:"spaces"`
}

// Limits tunes the gateway's protocol and transport limits.
type Limits struct {
	// MaxEnvelopeBytes caps the size of a single serialized envelope.
	MaxEnvelopeBytes int64 `json:"max_envelope_bytes,omitempty" yaml:"max_envelope_bytes,omitempty"`

	// DupWindow is the number of recent envelope ids remembered per
	// connection for duplicate suppression.
	DupWindow int `json:"dup_window,omitempty" yaml:"dup_window,omitempty"`

	// SendQueueDepth bounds each connection's outbound queue.
	SendQueueDepth int `json:"send_queue_depth,omitempty" yaml:"send_queue_depth,omitempty"`

	// EnqueueWait is how long a delivery blocks on a full outbound queue
	// before the slow connection is closed with a backpressure error.
	EnqueueWait Duration `json:"enqueue_wait,omitempty" yaml:"enqueue_wait,omitempty"`

	// PauseQueueDepth bounds the per-participant queue of envelopes held
	// while the participant is paused. The oldest entries are dropped once
	// the bound is reached.
	PauseQueueDepth int `json:"pause_queue_depth,omitempty" yaml:"pause_queue_depth,omitempty"`

	// PingInterval is the websocket keepalive ping cadence.
	PingInterval Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`

	// StreamIdleTimeout closes streams with no data frames for this long.
	StreamIdleTimeout Duration `json:"stream_idle_timeout,omitempty" yaml:"stream_idle_timeout,omitempty"`

	// ErrorBudget is the number of protocol errors a connection may incur
	// within ErrorWindow before it is disconnected.
	ErrorBudget int `json:"error_budget,omitempty" yaml:"error_budget,omitempty"`

	// ErrorWindow is the sliding window for ErrorBudget.
	ErrorWindow Duration `json:"error_window,omitempty" yaml:"error_window,omitempty"`

	// IngressRate limits envelopes per second accepted from a single
	// connection. Zero disables rate limiting.
	IngressRate float64 `json:"ingress_rate,omitempty" yaml:"ingress_rate,omitempty"`

	// IngressBurst is the burst size for IngressRate.
	IngressBurst int `json:"ingress_burst,omitempty" yaml:"ingress_burst,omitempty"`
}

// AuthConfig configures token resolution.
type AuthConfig struct {
	// JWT enables HS256 bearer token resolution in addition to the static
	// participant token table.
	JWT *JWTConfig `json:"jwt,omitempty" yaml:"jwt,omitempty"`
}

// JWTConfig configures HS256 token verification.
type JWTConfig struct {
	// Secret is the shared HMAC signing secret.
	Secret string `json:"secret" yaml:"secret"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
}

// SpaceConfig describes one space hosted by the gateway.
type SpaceConfig struct {
	// DefaultCapabilities are appended to every participant's capability
	// list in this space.
	DefaultCapabilities []protocol.Capability `json:"default_capabilities,omitempty" yaml:"default_capabilities,omitempty"`

	// Participants maps participant id to its tokens and capability grant.
	Participants map[string]*ParticipantConfig `json:"participants" yaml:"participants"`
}

// ParticipantConfig describes one participant's credentials and grant.
type ParticipantConfig struct {
	// Tokens are the static bearer tokens that resolve to this participant.
	Tokens []string `json:"tokens,omitempty" yaml:"tokens,omitempty"`

	// Capabilities is the participant's capability grant.
	Capabilities []protocol.Capability `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// defaultPathGenerator generates the default config path using xdg
var defaultPathGenerator = func() (string, error) {
	return xdg.ConfigFile("mew/space.yaml")
}

// DefaultPath returns the default space configuration path.
func DefaultPath() (string, error) {
	return defaultPathGenerator()
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator flags
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses a configuration document, fills defaults, and
// validates the result. Unknown keys are rejected so typos fail loudly.
func LoadFromReader(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SpaceNames lists the configured spaces in stable order.
func (c *Config) SpaceNames() []string {
	names := make([]string, 0, len(c.Spaces))
	for name := range c.Spaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
