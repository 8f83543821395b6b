// Package config loads stackspay settings from flags, STACKSPAY_* environment
// variables, an optional YAML/TOML file and defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	x402 "github.com/stackspay/stackspay"
)

const EnvPrefix = "STACKSPAY"

type Config struct {
	Network    string `mapstructure:"network" yaml:"network" validate:"omitempty,oneof=testnet mainnet"`
	WalletPath string `mapstructure:"wallet" yaml:"wallet"`
	HiroAPI    string `mapstructure:"hiro_api" yaml:"hiro_api" validate:"omitempty,url"`

	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator" yaml:"facilitator"`
	Service     ServiceConfig     `mapstructure:"service" yaml:"service"`
	Vault       VaultConfig       `mapstructure:"vault" yaml:"vault"`
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Proxy       ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

type FacilitatorConfig struct {
	Port int `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	// URL points services at a remote facilitator instead of the embedded one.
	URL            string        `mapstructure:"url" yaml:"url,omitempty" validate:"omitempty,url"`
	AuthSecret     string        `mapstructure:"auth_secret" yaml:"auth_secret,omitempty"`
	SettleCacheTTL time.Duration `mapstructure:"settle_cache_ttl" yaml:"settle_cache_ttl"`
}

type ServiceConfig struct {
	Port        int           `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	Price       string        `mapstructure:"price" yaml:"price" validate:"required,numeric"`
	Token       string        `mapstructure:"token" yaml:"token" validate:"oneof=STX SBTC"`
	Command     string        `mapstructure:"cmd" yaml:"cmd,omitempty"`
	Description string        `mapstructure:"description" yaml:"description,omitempty"`
	Receiver    string        `mapstructure:"receiver" yaml:"receiver,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type VaultConfig struct {
	File    string   `mapstructure:"file" yaml:"file,omitempty"`
	Splits  []string `mapstructure:"splits" yaml:"splits,omitempty"`
	Reserve string   `mapstructure:"reserve" yaml:"reserve,omitempty" validate:"omitempty,numeric"`
	Lock    string   `mapstructure:"lock" yaml:"lock,omitempty"`
}

type AgentConfig struct {
	Negotiate    bool     `mapstructure:"negotiate" yaml:"negotiate"`
	Floor        string   `mapstructure:"floor" yaml:"floor,omitempty" validate:"omitempty,numeric"`
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
}

type ProxyConfig struct {
	Target string `mapstructure:"target" yaml:"target,omitempty" validate:"omitempty,url"`
	Path   string `mapstructure:"path" yaml:"path"`
}

type RateLimitConfig struct {
	// RPS is the per-client request rate on paid and negotiation routes; 0 disables.
	RPS   float64 `mapstructure:"rps" yaml:"rps" validate:"gte=0"`
	Burst int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Network: "testnet",
		Log:     LogConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 28},
		Facilitator: FacilitatorConfig{
			Port:           4000,
			SettleCacheTTL: 10 * time.Minute,
		},
		Service: ServiceConfig{
			Port:    3000,
			Price:   "0.001",
			Token:   "STX",
			Timeout: 30 * time.Second,
		},
		Agent: AgentConfig{Capabilities: []string{"data", "compute", "analysis"}},
		Proxy: ProxyConfig{Path: "/proxy"},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("network", d.Network)
	v.SetDefault("wallet", "")
	v.SetDefault("hiro_api", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("facilitator.port", d.Facilitator.Port)
	v.SetDefault("facilitator.url", "")
	v.SetDefault("facilitator.auth_secret", "")
	v.SetDefault("facilitator.settle_cache_ttl", d.Facilitator.SettleCacheTTL)
	v.SetDefault("service.port", d.Service.Port)
	v.SetDefault("service.price", d.Service.Price)
	v.SetDefault("service.token", d.Service.Token)
	v.SetDefault("service.cmd", "")
	v.SetDefault("service.description", "")
	v.SetDefault("service.receiver", "")
	v.SetDefault("service.timeout", d.Service.Timeout)
	v.SetDefault("vault.file", "")
	v.SetDefault("vault.reserve", "")
	v.SetDefault("vault.lock", "")
	v.SetDefault("agent.negotiate", false)
	v.SetDefault("agent.floor", "")
	v.SetDefault("agent.capabilities", d.Agent.Capabilities)
	v.SetDefault("proxy.target", "")
	v.SetDefault("proxy.path", d.Proxy.Path)
	v.SetDefault("rate_limit.rps", d.RateLimit.RPS)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
}

// LoadOptions selects the sources Load reads.
type LoadOptions struct {
	// File is an explicit config file. When empty, config.yaml is looked up
	// in ~/.stackspay and the working directory, and may be absent.
	File string
	// EnvFile is a dotenv file; a missing file is ignored.
	EnvFile string
	Flags   *pflag.FlagSet
	// Bindings maps config keys (e.g. "service.port") to flag names.
	Bindings map[string]string
}

// Load builds and validates the configuration. Every failure is a
// configuration error.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, x402.NewError(x402.KindConfiguration, "load env", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, x402.NewError(x402.KindConfiguration, "read config", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".stackspay"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, x402.NewError(x402.KindConfiguration, "read config", err)
			}
		}
	}

	if opts.Flags != nil {
		for key, name := range opts.Bindings {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				return nil, x402.ConfigErrorf("bind flags", "unknown flag %q for %s", name, key)
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, x402.NewError(x402.KindConfiguration, "bind flags", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "decode config", err)
	}
	cfg.Service.Token = strings.ToUpper(cfg.Service.Token)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks struct tags and reports every violation in one error.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return x402.ConfigErrorf("validate", "%s", strings.Join(msgs, "; "))
		}
		return x402.NewError(x402.KindConfiguration, "validate", err)
	}
	return nil
}

// WriteSample writes the default configuration as YAML. An existing file is
// left untouched.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return x402.ConfigErrorf("config init", "%s already exists", path)
	}
	var doc yaml.Node
	if err := doc.Encode(Default()); err != nil {
		return x402.NewError(x402.KindConfiguration, "config init", err)
	}
	humanizeDurations(&doc)
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return x402.NewError(x402.KindConfiguration, "config init", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return x402.NewError(x402.KindPersistence, "config init", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return x402.NewError(x402.KindPersistence, "config init", err)
	}
	return nil
}

var durationKeys = map[string]bool{"timeout": true, "settle_cache_ttl": true}

// humanizeDurations rewrites nanosecond integers under duration keys as "30s".
func humanizeDurations(n *yaml.Node) {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if durationKeys[key.Value] && val.Kind == yaml.ScalarNode {
				var d time.Duration
				if err := val.Decode(&d); err == nil {
					val.SetString(d.String())
				}
			}
		}
	}
	for _, c := range n.Content {
		humanizeDurations(c)
	}
}
