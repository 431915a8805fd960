// Package config loads the gateway's configuration from flags,
// environment variables, an optional TOML file, and defaults, in that
// precedence order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix namespaces every bound environment variable, e.g.
// OAUTH_GATEWAY_UPSTREAM.
const envPrefix = "oauth_gateway"

// CredentialsFileEnvVar is the one documented standalone override for the
// credential file path.
const CredentialsFileEnvVar = "OAUTH_GATEWAY_CREDENTIALS_FILE"

// OAuth bounds the account pool and refresher's optional settings.
type OAuth struct {
	CredentialsFile  string        `toml:"credentials_file"`
	Cooldown         time.Duration `toml:"cooldown"`
	RefreshInterval  time.Duration `toml:"refresh_interval"`
	RefreshThreshold time.Duration `toml:"refresh_threshold"`
	// AccountIDs preloads a subset of the credential file's entries. Empty
	// means every identifier found in the file is loaded.
	AccountIDs []string `toml:"account_ids"`
}

// Admin bounds the optional administrative listener.
type Admin struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
}

// Config is the gateway's fully resolved configuration.
type Config struct {
	ListenAddress    string        `toml:"listen_address"`
	UpstreamURL      string        `toml:"upstream_url"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	ConcurrencyLimit int           `toml:"concurrency_limit"`
	OAuth            OAuth         `toml:"oauth"`
	Admin            Admin         `toml:"admin"`
}

// Defaults returns the gateway's documented configuration defaults.
func Defaults() Config {
	return Config{
		ListenAddress:    ":8080",
		UpstreamURL:      "https://api.anthropic.com",
		RequestTimeout:   10 * time.Minute,
		ConcurrencyLimit: 64,
		OAuth: OAuth{
			CredentialsFile:  "credentials.json",
			Cooldown:         2 * time.Hour,
			RefreshInterval:  5 * time.Minute,
			RefreshThreshold: 15 * time.Minute,
		},
		Admin: Admin{
			Enabled:       false,
			ListenAddress: "127.0.0.1:8081",
		},
	}
}

// BindFlags registers the CLI flags Load consults and binds each to
// viper, mirroring the pack's viper.BindPFlag idiom: a flag the caller
// actually set on the command line outranks the file and the
// environment.
func BindFlags(cmd *cobra.Command) error {
	d := Defaults()

	cmd.Flags().String("listen", d.ListenAddress, "address the main proxy listens on")
	cmd.Flags().String("upstream", d.UpstreamURL, "upstream API base URL")
	cmd.Flags().Duration("request-timeout", d.RequestTimeout, "initial-response and stream-idle timeout")
	cmd.Flags().Int("concurrency-limit", d.ConcurrencyLimit, "concurrency limit for proxy routes (health/metrics excluded)")
	cmd.Flags().String("credentials-file", d.OAuth.CredentialsFile, "path to the credential store JSON file")
	cmd.Flags().Duration("cooldown", d.OAuth.Cooldown, "quota cooldown duration")
	cmd.Flags().Duration("refresh-interval", d.OAuth.RefreshInterval, "background refresh cycle interval")
	cmd.Flags().Duration("refresh-threshold", d.OAuth.RefreshThreshold, "proactive refresh threshold before expiry")
	cmd.Flags().StringSlice("accounts", nil, "account ids to preload from the credential file (default: all)")
	cmd.Flags().Bool("admin-enabled", d.Admin.Enabled, "enable the administrative listener")
	cmd.Flags().String("admin-listen", d.Admin.ListenAddress, "address the administrative listener binds")
	cmd.Flags().String("config", "", "path to a TOML configuration file")

	for _, name := range []string{
		"listen", "upstream", "request-timeout", "concurrency-limit",
		"credentials-file", "cooldown", "refresh-interval", "refresh-threshold",
		"accounts", "admin-enabled", "admin-listen", "config",
	} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("config: binding --%s: %w", name, err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return nil
}

// Load resolves the final configuration. Precedence, low to high: the
// built-in defaults, the TOML file named by --config/OAUTH_GATEWAY_CONFIG
// (if any), the environment, then the CLI flags.
func Load(cmd *cobra.Command) (*Config, error) {
	cfg := Defaults()

	if path := viper.GetString("config"); path != "" {
		fileCfg, err := loadTOMLFile(path)
		if err != nil {
			return nil, err
		}
		if err := fileCfg.applyTo(&cfg); err != nil {
			return nil, err
		}
	}

	applyViperValue(cmd, "listen", &cfg.ListenAddress, viper.GetString)
	applyViperValue(cmd, "upstream", &cfg.UpstreamURL, viper.GetString)
	applyViperValue(cmd, "request-timeout", &cfg.RequestTimeout, viper.GetDuration)
	applyViperValue(cmd, "concurrency-limit", &cfg.ConcurrencyLimit, viper.GetInt)
	applyViperValue(cmd, "credentials-file", &cfg.OAuth.CredentialsFile, viper.GetString)
	applyViperValue(cmd, "cooldown", &cfg.OAuth.Cooldown, viper.GetDuration)
	applyViperValue(cmd, "refresh-interval", &cfg.OAuth.RefreshInterval, viper.GetDuration)
	applyViperValue(cmd, "refresh-threshold", &cfg.OAuth.RefreshThreshold, viper.GetDuration)
	applyViperValue(cmd, "admin-enabled", &cfg.Admin.Enabled, viper.GetBool)
	applyViperValue(cmd, "admin-listen", &cfg.Admin.ListenAddress, viper.GetString)

	if ids := viper.GetStringSlice("accounts"); len(ids) > 0 {
		cfg.OAuth.AccountIDs = ids
	}

	// The one documented standalone override: independent of
	// the "oauth_gateway"-prefixed env vars above, since operators often
	// want to relocate just the credential file without touching the rest
	// of the OAuth section.
	if path := os.Getenv(CredentialsFileEnvVar); path != "" {
		cfg.OAuth.CredentialsFile = path
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyViperValue overwrites *dst with viper's resolved value for name
// unless cmd explicitly flagged that no higher-precedence source (env or
// flag) supplied one and the file already set it — viper's own precedence
// (flag > env > its own config) already does the flag/env half of this;
// this only needs to avoid clobbering a file-supplied value with viper's
// untouched flag default. Since BindPFlag makes viper.Get* return the
// flag's default value when nothing else is set, a flag default and "no
// value provided anywhere" are indistinguishable from viper alone — so
// the file is merged first, directly into cfg, and this only overwrites
// when the flag was actually changed or the environment actually has the
// key, both of which outrank the file in the precedence order.
func applyViperValue[T any](cmd *cobra.Command, name string, dst *T, get func(string) T) {
	flag := cmd.Flags().Lookup(name)
	if flag != nil && flag.Changed {
		*dst = get(name)
		return
	}
	if _, ok := os.LookupEnv(envVarName(name)); ok {
		*dst = get(name)
		return
	}
}

func envVarName(flagName string) string {
	return strings.ToUpper(envPrefix) + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// fileConfig mirrors Config with every field optional, so loadTOMLFile can
// tell "absent from the file" apart from "the zero value" and
// applyTo only overlays what was actually present.
// Durations are TOML strings ("5m", "2h"), not integers: a config file is
// hand-edited, and go-toml/v2 has no special case for time.Duration.
type fileConfig struct {
	ListenAddress    *string `toml:"listen_address"`
	UpstreamURL      *string `toml:"upstream_url"`
	RequestTimeout   *string `toml:"request_timeout"`
	ConcurrencyLimit *int    `toml:"concurrency_limit"`
	OAuth            *struct {
		CredentialsFile  *string  `toml:"credentials_file"`
		Cooldown         *string  `toml:"cooldown"`
		RefreshInterval  *string  `toml:"refresh_interval"`
		RefreshThreshold *string  `toml:"refresh_threshold"`
		AccountIDs       []string `toml:"account_ids"`
	} `toml:"oauth"`
	Admin *struct {
		Enabled       *bool   `toml:"enabled"`
		ListenAddress *string `toml:"listen_address"`
	} `toml:"admin"`
}

func loadTOMLFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *fileConfig) applyTo(cfg *Config) error {
	if fc.ListenAddress != nil {
		cfg.ListenAddress = *fc.ListenAddress
	}
	if fc.UpstreamURL != nil {
		cfg.UpstreamURL = *fc.UpstreamURL
	}
	if fc.RequestTimeout != nil {
		d, err := time.ParseDuration(*fc.RequestTimeout)
		if err != nil {
			return fmt.Errorf("config: request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if fc.ConcurrencyLimit != nil {
		cfg.ConcurrencyLimit = *fc.ConcurrencyLimit
	}
	if fc.OAuth != nil {
		if fc.OAuth.CredentialsFile != nil {
			cfg.OAuth.CredentialsFile = *fc.OAuth.CredentialsFile
		}
		if fc.OAuth.Cooldown != nil {
			d, err := time.ParseDuration(*fc.OAuth.Cooldown)
			if err != nil {
				return fmt.Errorf("config: oauth.cooldown: %w", err)
			}
			cfg.OAuth.Cooldown = d
		}
		if fc.OAuth.RefreshInterval != nil {
			d, err := time.ParseDuration(*fc.OAuth.RefreshInterval)
			if err != nil {
				return fmt.Errorf("config: oauth.refresh_interval: %w", err)
			}
			cfg.OAuth.RefreshInterval = d
		}
		if fc.OAuth.RefreshThreshold != nil {
			d, err := time.ParseDuration(*fc.OAuth.RefreshThreshold)
			if err != nil {
				return fmt.Errorf("config: oauth.refresh_threshold: %w", err)
			}
			cfg.OAuth.RefreshThreshold = d
		}
		if len(fc.OAuth.AccountIDs) > 0 {
			cfg.OAuth.AccountIDs = fc.OAuth.AccountIDs
		}
	}
	if fc.Admin != nil {
		if fc.Admin.Enabled != nil {
			cfg.Admin.Enabled = *fc.Admin.Enabled
		}
		if fc.Admin.ListenAddress != nil {
			cfg.Admin.ListenAddress = *fc.Admin.ListenAddress
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.UpstreamURL == "" {
		return fmt.Errorf("config: upstream_url must not be empty")
	}
	if cfg.OAuth.CredentialsFile == "" {
		return fmt.Errorf("config: oauth.credentials_file must not be empty")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be positive")
	}
	return nil
}
