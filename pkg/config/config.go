package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/confab/pkg/security"
)

const EnvPrefix = "confab"

type StoreKind string

const (
	StoreHTTP   StoreKind = "http"
	StoreSQLite StoreKind = "sqlite"
	StoreMemory StoreKind = "memory"
)

// Settings configure the collaborators of a chat session.
type Settings struct {
	APIBaseURL       string        `mapstructure:"api-base-url" yaml:"api-base-url"`
	ChannelURL       string        `mapstructure:"channel-url" yaml:"channel-url"`
	ChannelReconnect bool          `mapstructure:"channel-reconnect" yaml:"channel-reconnect"`
	Store            StoreKind     `mapstructure:"store" yaml:"store"`
	SQLitePath       string        `mapstructure:"sqlite-path" yaml:"sqlite-path"`
	PreferencesFile  string        `mapstructure:"preferences-file" yaml:"preferences-file"`
	OpenAIAPIKey     string        `mapstructure:"openai-api-key" yaml:"openai-api-key"`
	OpenAIBaseURL    string        `mapstructure:"openai-base-url" yaml:"openai-base-url"`
	DefaultProvider  string        `mapstructure:"default-provider" yaml:"default-provider"`
	DefaultModel     string        `mapstructure:"default-model" yaml:"default-model"`
	Temperature      float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens        int           `mapstructure:"max-tokens" yaml:"max-tokens"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	Providers        []string      `mapstructure:"providers" yaml:"providers"`
}

func Defaults() *Settings {
	dir := configDir()
	return &Settings{
		APIBaseURL:      "http://localhost:8000",
		Store:           StoreHTTP,
		SQLitePath:      filepath.Join(dir, "conversations.db"),
		PreferencesFile: filepath.Join(dir, "preferences.yaml"),
		OpenAIBaseURL:   "https://api.openai.com/v1",
		Temperature:     0.7,
		MaxTokens:       1024,
		RequestTimeout:  2 * time.Minute,
		Providers:       []string{"ollama"},
	}
}

func configDir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "confab")
	}
	return ".confab"
}

// AddFlags registers every setting as a persistent flag.
func AddFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("api-base-url", d.APIBaseURL, "Base URL of the chat backend")
	fs.String("channel-url", d.ChannelURL, "Websocket URL of the shared push channel (empty disables it)")
	fs.Bool("channel-reconnect", d.ChannelReconnect, "Reconnect the push channel with backoff when it drops")
	fs.String("store", string(d.Store), "Conversation store: http, sqlite or memory")
	fs.String("sqlite-path", d.SQLitePath, "Database file of the sqlite store")
	fs.String("preferences-file", d.PreferencesFile, "Local preferences cache")
	fs.String("openai-api-key", d.OpenAIAPIKey, "OpenAI API key (enables the openai provider)")
	fs.String("openai-base-url", d.OpenAIBaseURL, "OpenAI compatible API base URL")
	fs.String("default-provider", d.DefaultProvider, "Provider used when preferences name none")
	fs.String("default-model", d.DefaultModel, "Model used when preferences name none")
	fs.Float64("temperature", d.Temperature, "Sampling temperature of new conversations")
	fs.Int("max-tokens", d.MaxTokens, "Token limit of new conversations")
	fs.Duration("request-timeout", d.RequestTimeout, "HTTP timeout of provider and store calls")
	fs.StringSlice("providers", d.Providers, "Backend provider ids served through /api/query")
}

// Load reads the settings from v, on top of the defaults.
func Load(v *viper.Viper) (*Settings, error) {
	s := Defaults()
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not parse configuration")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	switch s.Store {
	case StoreHTTP, StoreSQLite, StoreMemory:
	default:
		return errors.Errorf("unknown store %q", s.Store)
	}
	if s.Store == StoreHTTP && strings.TrimSpace(s.APIBaseURL) == "" {
		return errors.New("api-base-url is required for the http store")
	}
	if s.APIBaseURL != "" {
		if err := security.BackendPolicy.Validate(s.APIBaseURL); err != nil {
			return errors.Wrap(err, "api-base-url")
		}
	}
	if s.ChannelURL != "" {
		if err := security.ChannelPolicy.Validate(s.ChannelURL); err != nil {
			return errors.Wrap(err, "channel-url")
		}
	}
	if s.OpenAIAPIKey != "" {
		if err := security.BackendPolicy.Validate(s.OpenAIBaseURL); err != nil {
			return errors.Wrap(err, "openai-base-url")
		}
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return errors.Errorf("temperature %v out of range [0, 2]", s.Temperature)
	}
	if s.MaxTokens < 0 {
		return errors.Errorf("max-tokens must not be negative")
	}
	return nil
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}
