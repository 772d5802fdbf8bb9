package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ICE struct {
	Servers           []string `mapstructure:"servers"`
	CandidatePoolSize uint8    `mapstructure:"candidate_pool_size"`
}

type Store struct {
	// Driver is "memory" or "postgres".
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Rate struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// Relay tunes the store relay's handling of slow connections.
type Relay struct {
	// Policy is "kick" or "tolerant".
	Policy     string `mapstructure:"policy"`
	DropBudget int    `mapstructure:"drop_budget"`
}

type CORS struct {
	// AllowOrigins lists browser origins allowed to call the API with
	// credentials. Empty or "*" allows any origin without credentials.
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// Client holds what the meshroom CLI needs to reach a relay.
type Client struct {
	ServerURL string `mapstructure:"server_url"`
	Token     string `mapstructure:"token"`
	Name      string `mapstructure:"name"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	ICE    ICE    `mapstructure:"ice"`
	Store  Store  `mapstructure:"store"`
	Rate   Rate   `mapstructure:"rate"`
	Relay  Relay  `mapstructure:"relay"`
	CORS   CORS   `mapstructure:"cors"`
	Client Client `mapstructure:"client"`
}

// New returns a viper instance with every default set and MESH_* env
// overrides enabled (ice.servers -> MESH_ICE_SERVERS).
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("ice.servers", []string{
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	})
	v.SetDefault("ice.candidate_pool_size", 10)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.poll_interval", "2s")

	v.SetDefault("rate.limit", 50)
	v.SetDefault("rate.interval", "1s")

	v.SetDefault("relay.policy", "kick")
	v.SetDefault("relay.drop_budget", 32)

	v.SetDefault("cors.allow_origins", []string{
		"http://localhost:3000",
		"http://localhost:8080",
	})

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/store")
	v.SetDefault("client.token", "")
	v.SetDefault("client.name", "")
	return v
}

// Decode reads the optional config file and unmarshals v. A missing file is
// not an error; defaults and env still apply.
func Decode(v *viper.Viper, fileName string) (*Config, error) {
	if fileName != "" {
		v.SetConfigFile(fileName)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		} else {
			log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Load picks config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, error) {
	return LoadWithFlags("", nil)
}

// LoadWithFlags is Load with an explicit file and cobra flags bound on top.
func LoadWithFlags(fileName string, flags *pflag.FlagSet) (*Config, error) {
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v := New()
	if flags != nil {
		for key, flag := range map[string]string{
			"client.server_url": "server",
			"client.token":      "token",
			"client.name":       "name",
		} {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}
	cfg, err := Decode(v, fileName)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return cfg, nil
}
