package uci

import (
	"fmt"
	"strconv"

	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
	"github.com/markus-lassfolk/dfsd/pkg/regdomain"
)

// ConfigValidator checks a parsed configuration section by section
type ConfigValidator struct {
	logger *logx.Logger
}

// NewConfigValidator creates a new configuration validator. logger may be nil.
func NewConfigValidator(logger *logx.Logger) *ConfigValidator {
	return &ConfigValidator{
		logger: logger,
	}
}

// ValidationResult represents the result of configuration validation
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
	Summary  ValidationSummary   `json:"summary"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Section string `json:"section"`
	Option  string `json:"option"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// ValidationWarning represents a configuration validation warning
type ValidationWarning struct {
	Section string `json:"section"`
	Option  string `json:"option"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// ValidationSummary provides a summary of validation results
type ValidationSummary struct {
	TotalErrors   int `json:"total_errors"`
	TotalWarnings int `json:"total_warnings"`
	TotalOptions  int `json:"total_options"`
	ValidOptions  int `json:"valid_options"`
}

// ValidateConfiguration validates the entire dfsd configuration
func (v *ConfigValidator) ValidateConfiguration(config *Config) ValidationResult {
	result := ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []ValidationWarning{},
	}

	v.validateMainSection(config, &result)
	v.validateMQTTSection(config, &result)
	if len(config.Radios) == 0 {
		v.warn(&result, "radio", "", "", "No radio sections configured")
	}
	seen := make(map[string]bool)
	for _, r := range config.Radios {
		if seen[r.Ifname] {
			v.fail(&result, "radio."+r.Name, "ifname", r.Ifname, "Interface configured twice")
		}
		seen[r.Ifname] = true
		v.validateRadioSection(r, &result)
	}

	result.Summary = v.calculateSummary(result)
	result.Valid = len(result.Errors) == 0
	if v.logger != nil {
		v.logger.Debug("Configuration validated", "errors", result.Summary.TotalErrors, "warnings", result.Summary.TotalWarnings)
	}
	return result
}

func (v *ConfigValidator) validateMainSection(config *Config, result *ValidationResult) {
	section := "main"
	m := config.Main

	v.validateOneOf(section, "log_level", m.LogLevel, []string{"trace", "debug", "info", "warn", "error"}, result)
	v.validateOneOf(section, "log_format", m.LogFormat, []string{"text", "json"}, result)
	v.validateOneOf(section, "journal_backend", m.JournalBackend, []string{"none", "bolt", "sqlite"}, result)
	v.validateIntegerRange(section, "metrics_port", m.MetricsPort, 1, 65535, result)
	v.validateIntegerRange(section, "event_buffer", m.EventBuffer, 16, 65536, result)
	if m.JournalBackend != "none" && m.JournalPath == "" {
		v.fail(result, section, "journal_path", "", "Journal path required when a journal backend is set")
	}
	if m.CtrlSocket == "" {
		v.warn(result, section, "ctrl_socket", "", "Control socket disabled")
	}
}

func (v *ConfigValidator) validateMQTTSection(config *Config, result *ValidationResult) {
	section := "mqtt"
	m := config.MQTT
	if !m.Enabled {
		return
	}
	if m.Broker == "" {
		v.fail(result, section, "broker", "", "Broker required when MQTT is enabled")
	}
	v.validateIntegerRange(section, "port", m.Port, 1, 65535, result)
	v.validateIntegerRange(section, "qos", m.QoS, 0, 2, result)
	if m.TopicPrefix == "" {
		v.fail(result, section, "topic_prefix", "", "Topic prefix must not be empty")
	}
}

func (v *ConfigValidator) validateRadioSection(r *RadioConfig, result *ValidationResult) {
	section := "radio." + r.Name

	if r.Ifname == "" {
		v.fail(result, section, "ifname", "", "Interface name required")
	}
	v.validateOneOf(section, "driver", r.Driver, []string{"iw", "sim"}, result)
	band, err := channel.ParseBand(r.Band)
	if err != nil {
		v.fail(result, section, "band", r.Band, err.Error())
	}
	if _, err := regdomain.Lookup(r.Country); err != nil {
		v.fail(result, section, "country", r.Country, err.Error())
	}
	if r.badChannel != "" {
		v.fail(result, section, "channel", r.badChannel, "Channel must be a number or acs")
	}
	bw, _, err := ParseHTMode(r.HTMode)
	if err != nil {
		v.fail(result, section, "htmode", r.HTMode, err.Error())
	} else {
		if bw == channel.BW80P80 && r.Channel != 0 && r.Channel2 == 0 {
			v.fail(result, section, "channel2", "", "80+80 needs the second segment channel")
		}
		if bw == channel.BW320 && band != channel.Band6G {
			v.fail(result, section, "htmode", r.HTMode, "320 MHz is only available on 6 GHz")
		}
		if band == channel.Band2G && bw.MHz() > 40 {
			v.fail(result, section, "htmode", r.HTMode, "2.4 GHz supports at most 40 MHz")
		}
	}
	v.validateIntegerRange(section, "acs_num_scans", r.ACSNumScans, 1, 100, result)
	v.validateIntegerRange(section, "cs_count", r.CSCount, 1, 255, result)
	v.validateIntegerRange(section, "cac_grace", r.CACGraceS, 0, 600, result)
	v.validateIntegerRange(section, "nop_time", r.NOPTimeS, 0, 86400, result)
	if _, err := ParseChanBias(r.ACSChanBias); err != nil {
		v.fail(result, section, "acs_chan_bias", r.ACSChanBias, err.Error())
	}
	if _, err := ParseChanlist(r.Chanlist); err != nil {
		v.fail(result, section, "chanlist", r.Chanlist, err.Error())
	}
	if _, err := ParseFreqlist(r.Freqlist); err != nil {
		v.fail(result, section, "freqlist", r.Freqlist, err.Error())
	}
	if r.BackgroundRadar && !r.IEEE80211H {
		v.warn(result, section, "background_radar", "1", "Background radar has no effect without ieee80211h")
	}
	if r.BackgroundRadar && r.Driver == "iw" {
		v.warn(result, section, "background_radar", "1", "Driver must support a dedicated radar chain")
	}
}

func (v *ConfigValidator) fail(result *ValidationResult, section, option, value, msg string) {
	result.Summary.TotalOptions++
	result.Errors = append(result.Errors, ValidationError{Section: section, Option: option, Value: value, Message: msg})
}

func (v *ConfigValidator) warn(result *ValidationResult, section, option, value, msg string) {
	result.Warnings = append(result.Warnings, ValidationWarning{Section: section, Option: option, Value: value, Message: msg})
}

func (v *ConfigValidator) validateIntegerRange(section, option string, value int, min, max int, result *ValidationResult) {
	if value < min || value > max {
		v.fail(result, section, option, strconv.Itoa(value), fmt.Sprintf("Value must be between %d and %d", min, max))
		return
	}
	result.Summary.TotalOptions++
	result.Summary.ValidOptions++
}

func (v *ConfigValidator) validateOneOf(section, option, value string, valid []string, result *ValidationResult) {
	for _, s := range valid {
		if s == value {
			result.Summary.TotalOptions++
			result.Summary.ValidOptions++
			return
		}
	}
	v.fail(result, section, option, value, fmt.Sprintf("Value must be one of %v", valid))
}

func (v *ConfigValidator) calculateSummary(result ValidationResult) ValidationSummary {
	return ValidationSummary{
		TotalErrors:   len(result.Errors),
		TotalWarnings: len(result.Warnings),
		TotalOptions:  result.Summary.TotalOptions,
		ValidOptions:  result.Summary.ValidOptions,
	}
}
