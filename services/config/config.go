// Package config resolves the runtime configuration: embedded JSON defaults
// per device, optionally overlaid by a YAML file, validated, and published
// retained per section on config/<section>.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fieldlogger/bus"
	"fieldlogger/controller"
	"fieldlogger/errcode"
)

const (
	serviceName  = "config"
	configPrefix = "config"
)

//go:embed defaults.json
var hostDefaults []byte

//go:embed pico.json
var picoDefaults []byte

var embeddedConfigs = map[string][]byte{
	"host": hostDefaults,
	"pico": picoDefaults,
}

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

type Config struct {
	Controller  Controller   `json:"controller" yaml:"controller"`
	NV          NV           `json:"nv" yaml:"nv"`
	SD          SD           `json:"sd" yaml:"sd"`
	Cloud       Cloud        `json:"cloud" yaml:"cloud"`
	Serial      Serial       `json:"serial" yaml:"serial"`
	Metrics     Metrics      `json:"metrics" yaml:"metrics"`
	Peripherals []Peripheral `json:"peripherals" yaml:"peripherals"`
}

type Controller struct {
	Name              string `json:"name" yaml:"name"`
	Version           string `json:"version" yaml:"version"`
	TickMs            int    `json:"tick_ms" yaml:"tick_ms"`
	LogCap            int    `json:"log_cap" yaml:"log_cap"`
	MemoryReserve     int    `json:"memory_reserve" yaml:"memory_reserve"`
	MemoryBudget      int    `json:"memory_budget" yaml:"memory_budget"`
	PublishIntervalMs int    `json:"publish_interval_ms" yaml:"publish_interval_ms"`
	PublishTimeoutMs  int    `json:"publish_timeout_ms" yaml:"publish_timeout_ms"`
	ResetDelayMs      int    `json:"reset_delay_ms" yaml:"reset_delay_ms"`
	RequireConnection bool   `json:"require_connection" yaml:"require_connection"`
	Passthrough       bool   `json:"passthrough" yaml:"passthrough"`
	ForceReset        bool   `json:"force_reset" yaml:"force_reset"`

	// Defaults for the persisted controller record.
	StateLogging    bool   `json:"state_logging" yaml:"state_logging"`
	DataLogging     bool   `json:"data_logging" yaml:"data_logging"`
	DataReader      bool   `json:"data_reader" yaml:"data_reader"`
	DebugMode       bool   `json:"debug_mode" yaml:"debug_mode"`
	LogPeriod       string `json:"log_period" yaml:"log_period"`
	ReadPeriod      string `json:"read_period" yaml:"read_period"`
	ReadPeriodMinMs int    `json:"read_period_min_ms" yaml:"read_period_min_ms"`
}

type NV struct {
	Path string `json:"path" yaml:"path"`
	Size int    `json:"size" yaml:"size"`
}

type SD struct {
	Dir       string `json:"dir" yaml:"dir"`
	StateFile string `json:"state_file" yaml:"state_file"`
	DataFile  string `json:"data_file" yaml:"data_file"`
}

type Cloud struct {
	Broker           string `json:"broker" yaml:"broker"`
	Prefix           string `json:"prefix" yaml:"prefix"`
	ClientID         string `json:"client_id" yaml:"client_id"`
	QoS              int    `json:"qos" yaml:"qos"`
	KeepAliveS       int    `json:"keep_alive_s" yaml:"keep_alive_s"`
	ConnectTimeoutMs int    `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
}

type Serial struct {
	Device string `json:"device" yaml:"device"`
	Baud   int    `json:"baud" yaml:"baud"`
}

type Metrics struct {
	Listen string `json:"listen" yaml:"listen"`
}

// Peripheral selects a peripheral builder by type; Options are decoded by
// the builder.
type Peripheral struct {
	Type    string         `json:"type" yaml:"type"`
	ID      string         `json:"id" yaml:"id"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Load returns the embedded defaults of device overlaid by the YAML file at
// overlay, if given.
func Load(device, overlay string) (Config, error) {
	var cfg Config
	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return cfg, errors.New("no embedded config for device: " + device)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("embedded config: %w", err)
	}
	if overlay != "" {
		b, err := os.ReadFile(overlay)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", overlay, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks the values a device cannot run without.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, msg string) {
		errs = append(errs, &errcode.E{C: errcode.InvalidValue, Op: "config." + field, Msg: msg})
	}
	if c.Controller.TickMs <= 0 {
		bad("controller.tick_ms", "must be positive")
	}
	if c.Controller.LogCap < 100 {
		bad("controller.log_cap", "must be at least 100")
	}
	if len(c.Controller.Name) > controller.NameMax {
		bad("controller.name", "longer than "+strconv.Itoa(controller.NameMax))
	}
	if _, err := c.Controller.State(); err != nil {
		errs = append(errs, err)
	}
	if c.NV.Size <= 0 {
		bad("nv.size", "must be positive")
	}
	if c.Cloud.QoS < 0 || c.Cloud.QoS > 2 {
		bad("cloud.qos", "must be 0, 1 or 2")
	}
	ids := map[string]bool{}
	for i, p := range c.Peripherals {
		if p.Type == "" {
			bad("peripherals."+strconv.Itoa(i), "missing type")
		}
		id := p.ID
		if id == "" {
			id = p.Type
		}
		if ids[id] {
			bad("peripherals."+strconv.Itoa(i), "duplicate id "+id)
		}
		ids[id] = true
	}
	return errors.Join(errs...)
}

// State converts the controller section into the default state record.
func (c Controller) State() (controller.State, error) {
	st := controller.DefaultState()
	st.StateLogging = c.StateLogging
	st.DataLogging = c.DataLogging
	st.DataReader = c.DataReader
	st.DebugMode = c.DebugMode
	if c.ReadPeriodMinMs > 0 {
		st.ReadPeriodMin = uint32(c.ReadPeriodMinMs)
	}
	if c.LogPeriod != "" {
		p, typ, err := ParseLogPeriod(c.LogPeriod)
		if err != nil {
			return st, err
		}
		st.LogPeriod, st.LogType = p, typ
	}
	if c.ReadPeriod != "" {
		ms, err := ParseReadPeriod(c.ReadPeriod)
		if err != nil {
			return st, err
		}
		st.ReadPeriod = ms
	}
	if st.DataReader && st.ReadPeriod != 0 && st.ReadPeriod < st.ReadPeriodMin {
		return st, &errcode.E{C: errcode.ReadBelowMin, Op: "config.controller.read_period", Msg: c.ReadPeriod}
	}
	if st.DataReader && st.LogType == controller.LogByTime && uint64(st.LogPeriod)*1000 <= uint64(st.ReadPeriod) {
		return st, &errcode.E{C: errcode.LogSmallerThanRead, Op: "config.controller.log_period", Msg: c.LogPeriod}
	}
	return st, nil
}

// Runtime builds the controller configuration. The SD file names come from
// sd; empty names keep the controller defaults.
func (c Controller) Runtime(sessionID string, sd SD) (controller.Config, error) {
	st, err := c.State()
	if err != nil {
		return controller.Config{}, err
	}
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return controller.Config{
		Version:           c.Version,
		SessionID:         sessionID,
		Name:              c.Name,
		Defaults:          st,
		ForceReset:        c.ForceReset,
		LogCap:            c.LogCap,
		MemoryReserve:     c.MemoryReserve,
		MemoryBudget:      c.MemoryBudget,
		PublishInterval:   ms(c.PublishIntervalMs),
		PublishTimeout:    ms(c.PublishTimeoutMs),
		ResetDelay:        ms(c.ResetDelayMs),
		RequireConnection: c.RequireConnection,
		Passthrough:       c.Passthrough,
		StateFile:         sd.StateFile,
		DataFile:          sd.DataFile,
	}, nil
}

// ParseLogPeriod reads "<n>s", "<n>m", "<n>h" (seconds) or "<n>x" (reads).
func ParseLogPeriod(s string) (uint32, uint8, error) {
	n, unit, err := splitPeriod(s)
	if err != nil {
		return 0, 0, err
	}
	switch unit {
	case "x":
		return n, controller.LogByEvent, nil
	case "s":
		return n, controller.LogByTime, nil
	case "m":
		return n * 60, controller.LogByTime, nil
	case "h":
		return n * 3600, controller.LogByTime, nil
	}
	return 0, 0, &errcode.E{C: errcode.InvalidUnits, Op: "config.log_period", Msg: s}
}

// ParseReadPeriod reads "<n>ms", "<n>s", "<n>m" or "manual" into ms.
func ParseReadPeriod(s string) (uint32, error) {
	if s == "manual" {
		return 0, nil
	}
	n, unit, err := splitPeriod(s)
	if err != nil {
		return 0, err
	}
	switch unit {
	case "ms":
		return n, nil
	case "s":
		return n * 1000, nil
	case "m":
		return n * 60000, nil
	}
	return 0, &errcode.E{C: errcode.InvalidUnits, Op: "config.read_period", Msg: s}
}

func splitPeriod(s string) (uint32, string, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, err := strconv.ParseUint(s[:i], 10, 32)
	if err != nil || n == 0 {
		return 0, "", &errcode.E{C: errcode.InvalidValue, Op: "config.period", Msg: s}
	}
	return uint32(n), strings.TrimSpace(s[i:]), nil
}

// Decode converts a section payload into out, accepting raw JSON, a string
// or an already decoded object.
func Decode(p any, out any) error {
	switch v := p.(type) {
	case []byte:
		return json.Unmarshal(v, out)
	case string:
		return json.Unmarshal([]byte(v), out)
	case nil:
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, out)
	}
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type Service struct {
	Name string
	cfg  Config
}

func NewService(cfg Config) *Service {
	return &Service{Name: serviceName, cfg: cfg}
}

// Topic returns the retained topic of a section.
func Topic(section string) bus.Topic { return bus.T(configPrefix, section) }

// Publish posts every section retained on config/<section>.
func (s *Service) Publish(conn *bus.Connection) {
	for _, sec := range []struct {
		name string
		v    any
	}{
		{"controller", s.cfg.Controller},
		{"nv", s.cfg.NV},
		{"sd", s.cfg.SD},
		{"cloud", s.cfg.Cloud},
		{"serial", s.cfg.Serial},
		{"metrics", s.cfg.Metrics},
		{"peripherals", s.cfg.Peripherals},
	} {
		conn.Publish(conn.NewMessage(Topic(sec.name), sec.v, true))
	}
}

// Start publishes the configuration and republishes it whenever a section is
// requested on config/get.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) {
	s.Publish(conn)
	sub := conn.Subscribe(bus.T(configPrefix, "get"))
	go func() {
		defer conn.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				s.Publish(conn)
				conn.Reply(msg, true, false)
			}
		}
	}()
}
