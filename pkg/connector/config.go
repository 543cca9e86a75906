// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/random"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the full bridge configuration.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	QuickReply QuickReplyConfig  `yaml:"quick_reply"`
	Gupshup    GupshupConfig     `yaml:"gupshup"`
	API        APIConfig         `yaml:"api"`
	Cache      CacheConfig       `yaml:"cache"`
	Logging    zeroconfig.Config `yaml:"logging"`

	usernamePrefix      string             `yaml:"-"`
	usernameSuffix      string             `yaml:"-"`
	displaynameTemplate *template.Template `yaml:"-"`
	roomNameTemplate    *template.Template `yaml:"-"`
	relayTemplate       *template.Template `yaml:"-"`
	cacheTTL            time.Duration      `yaml:"-"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
	// PublicAddress is used to build media download links for WhatsApp.
	PublicAddress string `yaml:"public_address"`
}

type BotConfig struct {
	Username    string `yaml:"username"`
	Displayname string `yaml:"displayname"`
	Avatar      string `yaml:"avatar"`
}

type AppServiceConfig struct {
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	Database dbutil.Config `yaml:"database"`

	ID              string    `yaml:"id"`
	Bot             BotConfig `yaml:"bot"`
	EphemeralEvents bool      `yaml:"ephemeral_events"`

	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`
}

// BotMXID returns the user ID of the bridge bot.
func (c *Config) BotMXID() id.UserID {
	return id.NewUserID(c.AppService.Bot.Username, c.Homeserver.Domain)
}

// InitialStateEvent is an extra state event added to every new portal room.
type InitialStateEvent struct {
	Type     string         `yaml:"type"`
	StateKey string         `yaml:"state_key"`
	Content  map[string]any `yaml:"content"`
}

type RelayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MessageFormat string `yaml:"message_format"`
}

type BridgeConfig struct {
	UsernameTemplate    string `yaml:"username_template"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	RoomNameTemplate    string `yaml:"room_name_template"`
	RoomTopic           string `yaml:"room_topic"`

	FederateRooms bool                `yaml:"federate_rooms"`
	InviteUsers   []id.UserID         `yaml:"invite_users"`
	InitialState  []InitialStateEvent `yaml:"initial_state"`

	DefaultPowerLevels map[string]any `yaml:"default_power_levels"`
	OwnerPowerLevel    int            `yaml:"owner_power_level"`

	BridgeNotices bool        `yaml:"bridge_notices"`
	Relay         RelayConfig `yaml:"relay"`

	UnsupportedNotice string `yaml:"unsupported_notice"`
	FailureNotice     string `yaml:"failure_notice"`
	SendFailureNotice string `yaml:"send_failure_notice"`
	GoogleMapsURL     string `yaml:"google_maps_url"`
}

type QuickReplyConfig struct {
	// SendOptionIndex sends the number of the selected option instead of its title.
	SendOptionIndex bool `yaml:"send_option_index"`
}

type GupshupConfig struct {
	BaseURL     string         `yaml:"base_url"`
	TemplateURL string         `yaml:"template_url"`
	ReadURL     string         `yaml:"read_url"`
	WebhookPath string         `yaml:"webhook_path"`
	ErrorCodes  map[int]string `yaml:"error_codes"`
	RateLimit   float64        `yaml:"rate_limit"`
	RateBurst   int            `yaml:"rate_burst"`
}

type APIConfig struct {
	Listen             string `yaml:"listen"`
	ProvisioningPrefix string `yaml:"provisioning_prefix"`
	SharedSecret       string `yaml:"shared_secret"`
	MetricsPath        string `yaml:"metrics_path"`
}

type CacheConfig struct {
	// RedisURL enables the shared tenant cache. Empty keeps it in memory.
	RedisURL string `yaml:"redis_url"`
	TTL      string `yaml:"ttl"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Phone string
	Name  string
}

// RoomNameParams holds the parameters for rendering the room name template.
type RoomNameParams struct {
	Phone string
	Name  string
}

// RelayParams holds the parameters for rendering the relay message format.
type RelayParams struct {
	Sender    id.UserID
	Localpart string
	Message   string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

const usernamePlaceholder = "\x00"

func (c *Config) PostProcess() error {
	usernameTemplate, err := template.New("username").Parse(c.Bridge.UsernameTemplate)
	if err != nil {
		return fmt.Errorf("invalid username_template: %w", err)
	}
	var buf strings.Builder
	if err = usernameTemplate.Execute(&buf, usernamePlaceholder); err != nil {
		return fmt.Errorf("invalid username_template: %w", err)
	}
	var found bool
	c.usernamePrefix, c.usernameSuffix, found = strings.Cut(buf.String(), usernamePlaceholder)
	if !found {
		return fmt.Errorf("username_template must contain {{.}}")
	}
	c.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}
	c.roomNameTemplate, err = template.New("room_name").Parse(c.Bridge.RoomNameTemplate)
	if err != nil {
		return fmt.Errorf("invalid room_name_template: %w", err)
	}
	c.relayTemplate, err = template.New("relay").Parse(c.Bridge.Relay.MessageFormat)
	if err != nil {
		return fmt.Errorf("invalid relay message_format: %w", err)
	}
	c.cacheTTL = 5 * time.Minute
	if c.Cache.TTL != "" {
		if c.cacheTTL, err = time.ParseDuration(c.Cache.TTL); err != nil {
			return fmt.Errorf("invalid cache ttl: %w", err)
		}
	}
	return nil
}

// CacheTTL returns the parsed tenant cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return c.cacheTTL
}

// PuppetUserIDRegex matches every ghost user ID of the bridge.
func (c *Config) PuppetUserIDRegex() string {
	return fmt.Sprintf("^@%s[0-9]+%s:%s$",
		regexp.QuoteMeta(c.usernamePrefix), regexp.QuoteMeta(c.usernameSuffix), regexp.QuoteMeta(c.Homeserver.Domain))
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str|up.Null, "homeserver", "public_address")

	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "database", "type")
	helper.Copy(up.Str, "appservice", "database", "uri")
	helper.Copy(up.Int, "appservice", "database", "max_open_conns")
	helper.Copy(up.Int, "appservice", "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "appservice", "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "appservice", "database", "max_conn_lifetime")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "bot", "username")
	helper.Copy(up.Str, "appservice", "bot", "displayname")
	helper.Copy(up.Str, "appservice", "bot", "avatar")
	helper.Copy(up.Bool, "appservice", "ephemeral_events")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")

	helper.Copy(up.Str, "bridge", "username_template")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str, "bridge", "room_name_template")
	helper.Copy(up.Str, "bridge", "room_topic")
	helper.Copy(up.Bool, "bridge", "federate_rooms")
	helper.Copy(up.List, "bridge", "invite_users")
	helper.Copy(up.List, "bridge", "initial_state")
	helper.Copy(up.Map, "bridge", "default_power_levels")
	helper.Copy(up.Int, "bridge", "owner_power_level")
	helper.Copy(up.Bool, "bridge", "bridge_notices")
	helper.Copy(up.Bool, "bridge", "relay", "enabled")
	helper.Copy(up.Str, "bridge", "relay", "message_format")
	helper.Copy(up.Str, "bridge", "unsupported_notice")
	helper.Copy(up.Str, "bridge", "failure_notice")
	helper.Copy(up.Str, "bridge", "send_failure_notice")
	helper.Copy(up.Str, "bridge", "google_maps_url")

	helper.Copy(up.Bool, "quick_reply", "send_option_index")

	helper.Copy(up.Str, "gupshup", "base_url")
	helper.Copy(up.Str, "gupshup", "template_url")
	helper.Copy(up.Str, "gupshup", "read_url")
	helper.Copy(up.Str, "gupshup", "webhook_path")
	helper.Copy(up.Map, "gupshup", "error_codes")
	helper.Copy(up.Float|up.Int, "gupshup", "rate_limit")
	helper.Copy(up.Int, "gupshup", "rate_burst")

	helper.Copy(up.Str, "api", "listen")
	helper.Copy(up.Str, "api", "provisioning_prefix")
	if secret, ok := helper.Get(up.Str, "api", "shared_secret"); !ok || secret == "generate" {
		helper.Set(up.Str, random.String(64), "api", "shared_secret")
	} else {
		helper.Copy(up.Str, "api", "shared_secret")
	}
	helper.Copy(up.Str, "api", "metrics_path")

	helper.Copy(up.Str|up.Null, "cache", "redis_url")
	helper.Copy(up.Str, "cache", "ttl")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file into the embedded example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"homeserver"},
		{"appservice"},
		{"bridge"},
		{"quick_reply"},
		{"gupshup"},
		{"api"},
		{"cache"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if out, ok := execute(c.displaynameTemplate, params); ok && out != "" {
		return out
	}
	return "+" + params.Phone
}

// FormatRoomName renders the name of a new portal room.
func (c *Config) FormatRoomName(params RoomNameParams) string {
	if out, ok := execute(c.roomNameTemplate, params); ok {
		return out
	}
	return params.Name
}

// FormatRelayMessage prefixes a relayed message with the sender's identity.
func (c *Config) FormatRelayMessage(params RelayParams) string {
	if params.Localpart == "" {
		params.Localpart, _, _ = params.Sender.Parse()
	}
	if out, ok := execute(c.relayTemplate, params); ok && out != "" {
		return out
	}
	return params.Message
}

// GoogleMapsLink renders google_maps_url for a coordinate pair.
func (c *Config) GoogleMapsLink(lat, long float64) string {
	return strings.NewReplacer(
		"{latitude}", strconv.FormatFloat(lat, 'f', -1, 64),
		"{longitude}", strconv.FormatFloat(long, 'f', -1, 64),
	).Replace(c.Bridge.GoogleMapsURL)
}

// ErrorNotice returns the localized failure notice for a Gupshup error code.
func (c *Config) ErrorNotice(code int) string {
	if msg, ok := c.Gupshup.ErrorCodes[code]; ok && msg != "" {
		return msg
	}
	return c.Bridge.FailureNotice
}

func execute(tpl *template.Template, params any) (string, bool) {
	if tpl == nil {
		return "", false
	}
	var buf []byte
	if err := tpl.Execute((*templateBuffer)(&buf), params); err != nil {
		return "", false
	}
	return string(buf), true
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
