package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type ICEConfig struct {
	IncludeLoopback     bool          `mapstructure:"include_loopback"`
	NetworkTypes        []string      `mapstructure:"network_types"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type SourceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
}

// Info converts the entry into source metadata. Name falls back to ID.
func (s SourceConfig) Info() (domain.SourceInfo, error) {
	kind, err := domain.ParseKind(s.Kind)
	if err != nil {
		return domain.SourceInfo{}, fmt.Errorf("source %q: %w", s.ID, err)
	}
	info := domain.SourceInfo{
		ID:   domain.SourceID(s.ID),
		Name: s.Name,
		Kind: kind,
		Type: domain.SourceType(s.Type),
		Path: s.Path,
	}
	if info.Name == "" {
		info.Name = s.ID
	}
	if err := info.Validate(); err != nil {
		return domain.SourceInfo{}, fmt.Errorf("source %q: %w", s.ID, err)
	}
	return info, nil
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	SelectLimit        int           `mapstructure:"select_limit"`
	SelectInterval     time.Duration `mapstructure:"select_interval"`
	SlowViewerLimit    int           `mapstructure:"slow_viewer_limit"`

	ICE      ICEConfig      `mapstructure:"ice"`
	STUNURLs []string       `mapstructure:"stun_urls"`
	Sources  []SourceConfig `mapstructure:"sources"`

	DefaultAudio string `mapstructure:"default_audio"`
	DefaultVideo string `mapstructure:"default_video"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")

	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("select_limit", 5)
	v.SetDefault("select_interval", "10s")
	v.SetDefault("slow_viewer_limit", 8)

	v.SetDefault("ice.include_loopback", true)
	v.SetDefault("ice.network_types", []string{"udp4"})
	v.SetDefault("ice.disconnected_timeout", "5s")
	v.SetDefault("ice.failed_timeout", "10s")
	v.SetDefault("ice.keepalive_interval", "2s")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})

	// Transport test sources: pattern video is not decodable by a browser.
	v.SetDefault("sources", []map[string]any{
		{"id": "pattern", "name": "Test pattern", "kind": "video", "type": "pattern"},
		{"id": "silence", "name": "Silence", "kind": "audio", "type": "silence"},
	})
}

// Load reads config/config.<CONFIG_ENV>.yaml, or CONFIG_FILE when set.
// A missing env file falls back to defaults; a missing CONFIG_FILE is an
// error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fileName, explicit := os.LookupEnv("CONFIG_FILE")
	if !explicit {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Int("sources", len(cfg.Sources)).
		Msg("config ready")
	return &cfg, nil
}

// Validate checks the sources and that the defaults name sources of the
// right kind.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("config: no sources")
	}
	kinds := make(map[string]domain.SourceKind, len(c.Sources))
	for _, s := range c.Sources {
		info, err := s.Info()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if _, dup := kinds[s.ID]; dup {
			return fmt.Errorf("config: duplicate source %q", s.ID)
		}
		kinds[s.ID] = info.Kind
	}
	for want, id := range map[domain.SourceKind]string{
		domain.KindAudio: c.DefaultAudio,
		domain.KindVideo: c.DefaultVideo,
	} {
		if id == "" {
			continue
		}
		got, ok := kinds[id]
		if !ok {
			return fmt.Errorf("config: default %s source %q not configured", want, id)
		}
		if got != want {
			return fmt.Errorf("config: default %s source %q is %s", want, id, got)
		}
	}
	return nil
}
