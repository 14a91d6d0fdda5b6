package uci

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultPath is the UCI file read by the daemon.
const DefaultPath = "/etc/config/dfsd"

// Defaults
const (
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultCtrlSocket     = "/var/run/dfsd.sock"
	DefaultMetricsPort    = 9105
	DefaultJournalBackend = "none"
	DefaultJournalPath    = "/var/lib/dfsd/journal.db"
	DefaultEventBuffer    = 256
	DefaultPIDFile        = "/var/run/dfsd.pid"

	DefaultMQTTPort        = 1883
	DefaultMQTTClientID    = "dfsd"
	DefaultMQTTTopicPrefix = "dfsd"

	DefaultACSNumScans = 5
	DefaultCACGraceS   = 10
	DefaultCSCount     = 5
)

// Config represents the dfsd configuration
type Config struct {
	Main   MainConfig     `json:"main"`
	MQTT   MQTTConfig     `json:"mqtt"`
	Radios []*RadioConfig `json:"radios"`
}

// MainConfig is the 'dfsd main' section.
type MainConfig struct {
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	CtrlSocket      string `json:"ctrl_socket"`
	MetricsListener bool   `json:"metrics_listener"`
	MetricsPort     int    `json:"metrics_port"`
	JournalBackend  string `json:"journal_backend"`
	JournalPath     string `json:"journal_path"`
	EventBuffer     int    `json:"event_buffer"`
	PIDFile         string `json:"pid_file"`
}

// MQTTConfig is the 'mqtt' section.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"-"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
}

// RadioConfig is one 'radio' section.
type RadioConfig struct {
	Name            string   `json:"name"`
	Ifname          string   `json:"ifname"`
	Driver          string   `json:"driver"`
	Band            string   `json:"band"`
	Country         string   `json:"country"`
	Channel         int      `json:"channel"` // 0 = acs
	HTMode          string   `json:"htmode"`
	Channel2        int      `json:"channel2"`
	IEEE80211H      bool     `json:"ieee80211h"`
	BackgroundRadar bool     `json:"background_radar"`
	ACSNumScans     int      `json:"acs_num_scans"`
	ACSExcludeDFS   bool     `json:"acs_exclude_dfs"`
	ACSChanBias     string   `json:"acs_chan_bias"`
	Chanlist        string   `json:"chanlist"`
	Freqlist        string   `json:"freqlist"`
	MinTxPower      int      `json:"min_tx_power"`
	PunctBitmap     uint16   `json:"punct_bitmap"`
	NOPTimeS        int      `json:"nop_time"`
	CACGraceS       int      `json:"cac_grace"`
	CSCount         int      `json:"cs_count"`
	Capabilities    string   `json:"capabilities"`
	BSS             []string `json:"bss"`

	badChannel string
}

// LoadConfig loads and validates the configuration. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := &Config{}
	cfg.setDefaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.parseUCI(data); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ParseConfig parses UCI text without touching the filesystem.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()
	if err := cfg.parseUCI(data); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Main = MainConfig{
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		CtrlSocket:     DefaultCtrlSocket,
		MetricsPort:    DefaultMetricsPort,
		JournalBackend: DefaultJournalBackend,
		JournalPath:    DefaultJournalPath,
		EventBuffer:    DefaultEventBuffer,
		PIDFile:        DefaultPIDFile,
	}
	c.MQTT = MQTTConfig{
		Port:        DefaultMQTTPort,
		ClientID:    DefaultMQTTClientID,
		TopicPrefix: DefaultMQTTTopicPrefix,
	}
}

func newRadio(name string) *RadioConfig {
	return &RadioConfig{
		Name:        name,
		Ifname:      name,
		Driver:      "iw",
		Band:        "5g",
		Country:     "00",
		HTMode:      "HT20",
		IEEE80211H:  true,
		ACSNumScans: DefaultACSNumScans,
		CACGraceS:   DefaultCACGraceS,
		CSCount:     DefaultCSCount,
	}
}

// Radio returns the radio section with the given name.
func (c *Config) Radio(name string) (*RadioConfig, bool) {
	for _, r := range c.Radios {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// parseUCI parses the UCI text format: config, option and list lines.
func (c *Config) parseUCI(data []byte) error {
	var sectionType, sectionName string
	var radio *RadioConfig
	anon := 0

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			typ, name := splitWord(rest)
			sectionType = unquote(typ)
			sectionName = unquote(name)
			radio = nil
			if sectionType == "radio" {
				if sectionName == "" {
					sectionName = fmt.Sprintf("radio%d", anon)
					anon++
				}
				radio = newRadio(sectionName)
				c.Radios = append(c.Radios, radio)
			}
		case "option", "list":
			name, value := splitWord(rest)
			if name == "" {
				return fmt.Errorf("line %d: missing option name", lineNo)
			}
			value = unquote(value)
			if keyword == "list" {
				c.parseList(sectionType, radio, name, value)
				continue
			}
			c.parseOption(sectionType, sectionName, radio, name, value)
		default:
			return fmt.Errorf("line %d: unexpected %q", lineNo, keyword)
		}
	}
	return sc.Err()
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// parseOption routes options to the parser of their section type
func (c *Config) parseOption(sectionType, sectionName string, radio *RadioConfig, option, value string) {
	switch sectionType {
	case "dfsd":
		if sectionName == "main" || sectionName == "" {
			c.parseMainOption(option, value)
		}
	case "mqtt":
		c.parseMQTTOption(option, value)
	case "radio":
		radio.parseOption(option, value)
	}
}

func (c *Config) parseList(sectionType string, radio *RadioConfig, name, value string) {
	if sectionType == "radio" && name == "bss" && value != "" {
		radio.BSS = append(radio.BSS, value)
	}
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "yes", "on", "true", "enabled":
		return true
	}
	return false
}

func (c *Config) parseMainOption(option, value string) {
	switch option {
	case "log_level":
		c.Main.LogLevel = value
	case "log_format":
		c.Main.LogFormat = value
	case "ctrl_socket":
		c.Main.CtrlSocket = value
	case "metrics_listener":
		c.Main.MetricsListener = parseBool(value)
	case "metrics_port":
		if v, err := strconv.Atoi(value); err == nil {
			c.Main.MetricsPort = v
		}
	case "journal_backend":
		c.Main.JournalBackend = value
	case "journal_path":
		c.Main.JournalPath = value
	case "event_buffer":
		if v, err := strconv.Atoi(value); err == nil {
			c.Main.EventBuffer = v
		}
	case "pid_file":
		c.Main.PIDFile = value
	}
}

func (c *Config) parseMQTTOption(option, value string) {
	switch option {
	case "enabled":
		c.MQTT.Enabled = parseBool(value)
	case "broker":
		c.MQTT.Broker = value
	case "port":
		if v, err := strconv.Atoi(value); err == nil {
			c.MQTT.Port = v
		}
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = strings.TrimSuffix(value, "/")
	case "qos":
		if v, err := strconv.Atoi(value); err == nil {
			c.MQTT.QoS = v
		}
	case "retain":
		c.MQTT.Retain = parseBool(value)
	}
}

func (r *RadioConfig) parseOption(option, value string) {
	atoi := func(dst *int) {
		if v, err := strconv.Atoi(value); err == nil {
			*dst = v
		}
	}
	switch option {
	case "ifname":
		r.Ifname = value
	case "driver":
		r.Driver = value
	case "band":
		r.Band = value
	case "country":
		r.Country = value
	case "channel":
		if value == "acs" || value == "auto" || value == "0" {
			r.Channel = 0
			return
		}
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			r.Channel = v
		} else {
			r.badChannel = value
		}
	case "htmode":
		r.HTMode = value
	case "channel2":
		atoi(&r.Channel2)
	case "ieee80211h":
		r.IEEE80211H = parseBool(value)
	case "background_radar":
		r.BackgroundRadar = parseBool(value)
	case "acs_num_scans":
		atoi(&r.ACSNumScans)
	case "acs_exclude_dfs":
		r.ACSExcludeDFS = parseBool(value)
	case "acs_chan_bias":
		r.ACSChanBias = value
	case "chanlist":
		r.Chanlist = value
	case "freqlist":
		r.Freqlist = value
	case "min_tx_power":
		atoi(&r.MinTxPower)
	case "punct_bitmap":
		if v, err := strconv.ParseUint(value, 0, 16); err == nil {
			r.PunctBitmap = uint16(v)
		}
	case "nop_time":
		atoi(&r.NOPTimeS)
	case "cac_grace":
		atoi(&r.CACGraceS)
	case "cs_count":
		atoi(&r.CSCount)
	case "capabilities":
		r.Capabilities = value
	}
}

// validate runs the validator and returns the first error.
func (c *Config) validate() error {
	res := NewConfigValidator(nil).ValidateConfiguration(c)
	if res.Valid {
		return nil
	}
	e := res.Errors[0]
	return fmt.Errorf("%s.%s=%q: %s", e.Section, e.Option, e.Value, e.Message)
}
