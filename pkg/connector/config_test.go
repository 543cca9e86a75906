// Copyright 2024-2026 Aiku AI

package connector

import (
	"testing"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

func TestExampleConfig(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t)
	if cfg.Homeserver.Domain != "example.com" {
		t.Errorf("Domain: got %q", cfg.Homeserver.Domain)
	}
	if cfg.BotMXID() != testBot {
		t.Errorf("BotMXID: got %q", cfg.BotMXID())
	}
	if cfg.Gupshup.WebhookPath == "" || cfg.API.ProvisioningPrefix == "" {
		t.Error("webhook and provisioning paths must have defaults")
	}
	if cfg.CacheTTL().Minutes() != 5 {
		t.Errorf("CacheTTL: got %s", cfg.CacheTTL())
	}
	if cfg.ErrorNotice(1002) == cfg.Bridge.FailureNotice {
		t.Error("error code 1002 should have its own notice")
	}
	if cfg.ErrorNotice(9999) != cfg.Bridge.FailureNotice {
		t.Error("unknown error codes should use failure_notice")
	}
}

func TestConfigUnmarshalYAML(t *testing.T) {
	t.Parallel()
	input := `
homeserver:
    domain: matrix.local
bridge:
    username_template: "wa_{{.}}_bridge"
    displayname_template: "{{.Name}}"
gupshup:
    error_codes:
        470: Session expired
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Homeserver.Domain != "matrix.local" {
		t.Errorf("Domain: got %q", cfg.Homeserver.Domain)
	}
	if cfg.Gupshup.ErrorCodes[470] != "Session expired" {
		t.Errorf("ErrorCodes: got %v", cfg.Gupshup.ErrorCodes)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if got := cfg.PuppetUserID("15550001"); got != "@wa_15550001_bridge:matrix.local" {
		t.Errorf("PuppetUserID: got %q", got)
	}
	if got := cfg.PuppetUserIDRegex(); got != `^@wa_[0-9]+_bridge:matrix\.local$` {
		t.Errorf("PuppetUserIDRegex: got %q", got)
	}
}

func TestConfigPostProcessErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"username without placeholder", Config{Bridge: BridgeConfig{UsernameTemplate: "gupshup"}}},
		{"invalid username template", Config{Bridge: BridgeConfig{UsernameTemplate: "{{.Bad"}}},
		{"invalid displayname template", Config{Bridge: BridgeConfig{UsernameTemplate: "g_{{.}}", DisplaynameTemplate: "{{.Bad"}}},
		{"invalid relay format", Config{Bridge: BridgeConfig{UsernameTemplate: "g_{{.}}", Relay: RelayConfig{MessageFormat: "{{"}}}},
		{"invalid ttl", Config{Bridge: BridgeConfig{UsernameTemplate: "g_{{.}}"}, Cache: CacheConfig{TTL: "soon"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.PostProcess(); err == nil {
				t.Error("PostProcess should fail")
			}
		})
	}
}

func TestFormatDisplayname(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t)
	tests := []struct {
		params DisplaynameParams
		want   string
	}{
		{DisplaynameParams{Phone: "15550001", Name: "Bob"}, "Bob (WA)"},
		{DisplaynameParams{Phone: "15550001"}, "+15550001 (WA)"},
	}
	for _, tt := range tests {
		if got := cfg.FormatDisplayname(tt.params); got != tt.want {
			t.Errorf("FormatDisplayname(%+v) = %q, want %q", tt.params, got, tt.want)
		}
	}

	empty := &Config{Bridge: BridgeConfig{UsernameTemplate: "g_{{.}}"}}
	if err := empty.PostProcess(); err != nil {
		t.Fatal(err)
	}
	if got := empty.FormatDisplayname(DisplaynameParams{Phone: "1"}); got != "+1" {
		t.Errorf("empty template fallback: got %q", got)
	}
}

func TestFormatRelayMessage(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t)
	got := cfg.FormatRelayMessage(RelayParams{Sender: "@bob:example.com", Message: "hello"})
	if got != "*bob*: hello" {
		t.Errorf("FormatRelayMessage: got %q", got)
	}
}

func TestGoogleMapsLink(t *testing.T) {
	t.Parallel()
	cfg := &Config{Bridge: BridgeConfig{GoogleMapsURL: "https://maps.google.com/?q={latitude},{longitude}"}}
	if got := cfg.GoogleMapsLink(4.71, -74.07); got != "https://maps.google.com/?q=4.71,-74.07" {
		t.Errorf("GoogleMapsLink: got %q", got)
	}
}

func TestConfigUpgrade(t *testing.T) {
	t.Parallel()
	old := `
homeserver:
    address: https://hs.local
    domain: hs.local
bridge:
    username_template: wa_{{.}}
`
	var base, existing yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		t.Fatal(err)
	}
	if err := yaml.Unmarshal([]byte(old), &existing); err != nil {
		t.Fatal(err)
	}
	helper := up.NewHelper(&base, &existing)
	upgradeConfig(helper)

	if val, ok := helper.Get(up.Str, "homeserver", "domain"); !ok || val != "hs.local" {
		t.Errorf("domain after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "bridge", "username_template"); !ok || val != "wa_{{.}}" {
		t.Errorf("username_template after upgrade: got %q, ok=%v", val, ok)
	}

	var upgraded Config
	if err := base.Decode(&upgraded); err != nil {
		t.Fatal(err)
	}
	if upgraded.Homeserver.Domain != "hs.local" {
		t.Errorf("domain should be copied into the new config, got %q", upgraded.Homeserver.Domain)
	}
	if upgraded.Gupshup.WebhookPath != "/gupshup" {
		t.Errorf("webhook_path should keep its default, got %q", upgraded.Gupshup.WebhookPath)
	}
	if len(upgraded.API.SharedSecret) != 64 {
		t.Errorf("shared_secret should be generated, got %q", upgraded.API.SharedSecret)
	}
}
