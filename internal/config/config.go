// Package config loads and validates the receiver's and submitter's
// configuration, binding Viper (the corpus's config/viper package
// family's dependency) to typed structs via mapstructure decode hooks,
// the way certificates/cipher's ViperDecoderHook generalizes a custom
// type for Viper's decoder.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/weiss/nsca-ng/internal/auth"
	"github.com/weiss/nsca-ng/internal/pskconn/suite"
)

// AuthorizeBlock mirrors one "authorize" config block: an identity's
// password plus the command/host/service patterns it may submit.
type AuthorizeBlock struct {
	Identity string   `mapstructure:"identity"`
	Password string   `mapstructure:"password"`
	Commands []string `mapstructure:"commands"`
	Hosts    []string `mapstructure:"hosts"`
	Services []string `mapstructure:"services"`
}

// ReceiverConfig is the full set of configuration keys the receiver
// binary accepts.
type ReceiverConfig struct {
	Listen         string           `mapstructure:"listen"`
	CommandFile    string           `mapstructure:"command_file"`
	TempDirectory  string           `mapstructure:"temp_directory"`
	MaxQueueSize   int64            `mapstructure:"max_queue_size"`
	MaxCommandSize int              `mapstructure:"max_command_size"`
	Timeout        float64          `mapstructure:"timeout"`
	PidFile        string           `mapstructure:"pid_file"`
	TLSCiphers     []suite.Suite    `mapstructure:"tls_ciphers"`
	User           string           `mapstructure:"user"`
	Chroot         string           `mapstructure:"chroot"`
	LogLevel       string           `mapstructure:"log_level"`
	LogStderr      bool             `mapstructure:"log_stderr"`
	LogSyslog      bool             `mapstructure:"log_syslog"`
	Authorize      []AuthorizeBlock `mapstructure:"authorize"`
}

// SubmitterConfig is the full set of configuration keys the submitter
// binary accepts.
type SubmitterConfig struct {
	Server     string        `mapstructure:"server"`
	Port       int           `mapstructure:"port"`
	Identity   string        `mapstructure:"identity"`
	Password   string        `mapstructure:"password"`
	TLSCiphers []suite.Suite `mapstructure:"tls_ciphers"`
	Timeout    float64       `mapstructure:"timeout"`
	Delay      int           `mapstructure:"delay"`
	LogLevel   string        `mapstructure:"log_level"`
	LogStderr  bool          `mapstructure:"log_stderr"`
	LogSyslog  bool          `mapstructure:"log_syslog"`
}

// tlsCiphersDecodeHook lets Viper decode a colon-separated OpenSSL-style
// cipher list string (this module's tls_ciphers key) directly into a
// []suite.Suite, mirroring certificates/cipher/models.go's
// ViperDecoderHook pattern generalized to this module's own enum type.
// mapstructure.StringToSliceHookFunc splits a string bound to any slice
// field on commas, so decodeHook runs this hook ahead of it to see the
// colon-separated string first.
func tlsCiphersDecodeHook(from, to reflect.Value) (interface{}, error) {
	if to.Type() != reflect.TypeOf([]suite.Suite{}) {
		return from.Interface(), nil
	}
	if from.Kind() != reflect.String {
		return from.Interface(), nil
	}
	s := from.String()
	if s == "" {
		return []suite.Suite{}, nil
	}
	parts := strings.Split(s, ":")
	suites := make([]suite.Suite, len(parts))
	for i, p := range parts {
		suites[i] = suite.Parse(p)
	}
	return suites, nil
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		tlsCiphersDecodeHook,
		mapstructure.StringToSliceHookFunc(","),
	))
}

// LoadReceiver reads and validates the receiver configuration from v.
func LoadReceiver(v *viper.Viper) (*ReceiverConfig, error) {
	cfg := &ReceiverConfig{
		MaxQueueSize: 10,
		Timeout:      300,
		LogLevel:     "info",
		LogStderr:    true,
	}

	if err := v.Unmarshal(cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: decode receiver config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadSubmitter reads and validates the submitter configuration from v.
func LoadSubmitter(v *viper.Viper) (*SubmitterConfig, error) {
	cfg := &SubmitterConfig{
		Port:      5668,
		Timeout:   300,
		LogLevel:  "info",
		LogStderr: true,
	}

	if err := v.Unmarshal(cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: decode submitter config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MaxQueueSizeBytes returns the configured queue size converted from MB
// (the config key's documented unit) to bytes.
func (c *ReceiverConfig) MaxQueueSizeBytes() int64 {
	return c.MaxQueueSize * 1024 * 1024
}

func (c *ReceiverConfig) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen is required")
	}
	if c.CommandFile == "" {
		return fmt.Errorf("config: command_file is required")
	}
	if len(c.Authorize) == 0 {
		return fmt.Errorf("config: at least one authorize block is required")
	}
	seen := make(map[string]bool)
	for _, a := range c.Authorize {
		if a.Identity == "" {
			return fmt.Errorf("config: authorize block missing identity")
		}
		if seen[a.Identity] {
			return fmt.Errorf("config: duplicate identity %q in authorize blocks", a.Identity)
		}
		seen[a.Identity] = true
	}
	return nil
}

func (c *SubmitterConfig) validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: server is required")
	}
	if c.Identity == "" {
		return fmt.Errorf("config: identity is required")
	}
	if c.Password == "" {
		return fmt.Errorf("config: password is required")
	}
	return nil
}

// BuildAuthTable compiles every authorize block into an internal/auth
// table ready for use as a pskconn.CheckPSK and protocol.Authorizer.
func BuildAuthTable(blocks []AuthorizeBlock) (*auth.Table, error) {
	tbl := auth.NewTable()

	for _, b := range blocks {
		pats, err := auth.CompilePatterns(b.Commands, b.Hosts, b.Services)
		if err != nil {
			return nil, fmt.Errorf("config: identity %q: %w", b.Identity, err)
		}
		if err := tbl.Add(b.Identity, &auth.Record{Password: b.Password, Patterns: pats}); err != nil {
			return nil, err
		}
	}

	return tbl, nil
}

// normalizeListKey lets config files supply either a YAML list or a
// single comma-separated string for pattern lists, matching the
// flexibility Viper's StringToSliceHookFunc already gives scalar string
// keys bound to []string fields.
func normalizeListKey(v *viper.Viper, key string) {
	if s, ok := v.Get(key).(string); ok {
		v.Set(key, strings.Split(s, ","))
	}
}
