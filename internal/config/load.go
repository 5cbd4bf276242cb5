package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"donna/internal/taskerr"
)

// Option adjusts how Load resolves configuration.
type Option func(*loadOptions)

type loadOptions struct {
	configFile string
	overrides  []func(*Config)
}

// WithConfigFile pins the config to an explicit path instead of the
// search locations.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = path }
}

// WithOverride applies fn after file and environment values, winning
// over both. CLI flags use this.
func WithOverride(fn func(*Config)) Option {
	return func(o *loadOptions) {
		if fn != nil {
			o.overrides = append(o.overrides, fn)
		}
	}
}

// Load resolves configuration with the precedence defaults < file <
// environment < overrides, then normalizes and validates the result.
//
// The file is donna.yaml, searched in the working directory,
// $HOME/.config/donna, and /etc/donna unless pinned with
// WithConfigFile. Environment variables use the DONNA_ prefix with
// dots mapped to underscores (DONNA_ENGINE_DB_PATH).
func Load(opts ...Option) (*Config, error) {
	var options loadOptions
	for _, opt := range opts {
		opt(&options)
	}

	v := viper.New()
	v.SetConfigName("donna")
	v.SetConfigType("yaml")
	if options.configFile != "" {
		v.SetConfigFile(options.configFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "donna"))
		}
		v.AddConfigPath("/etc/donna")
	}

	v.SetEnvPrefix("DONNA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)
	if err := registerDefaults(v); err != nil {
		return nil, taskerr.Config(err, "register config defaults")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is only acceptable when we were searching;
		// an explicitly named file must exist.
		var notFound viper.ConfigFileNotFoundError
		searching := options.configFile == ""
		if !searching || !errors.As(err, &notFound) {
			return nil, taskerr.Config(err, "read config file")
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, taskerr.Config(err, "parse config")
	}

	for _, fn := range options.overrides {
		fn(&cfg)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// registerDefaults feeds the Defaults tree into viper key by key.
// Unmarshal only consults the environment for keys viper knows
// about, so without this AutomaticEnv would cover file-provided keys
// and nothing else.
func registerDefaults(v *viper.Viper) error {
	var flat map[string]any
	if err := mapstructure.Decode(Defaults(), &flat); err != nil {
		return err
	}
	setDefaults(v, "", flat)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// bindEnvAliases registers the documented short environment names in
// addition to the automatic DONNA_SECTION_KEY forms.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string][]string{
		"engine.db_path":      {"DONNA_DB_PATH"},
		"engine.deferred_dir": {"DONNA_DEFERRED_DIR"},
		"engine.admins_file":  {"DONNA_ADMINS_FILE"},
		"engine.namespace":    {"DONNA_NAMESPACE"},
		"engine.home":         {"DONNA_HOME"},
		"executor.binary":     {"DONNA_CLAUDE_BIN"},
	}
	for key, names := range aliases {
		args := append([]string{key}, names...)
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(args...)
	}
}
