package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/confab/pkg/security"
)

func TestLoad_FlagsAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: sqlite\ntemperature: 0.2\nproviders: [ollama, mistral]\n"), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--max-tokens", "4096", "--request-timeout", "5s"}))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	require.NoError(t, v.BindPFlags(fs))

	s, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, StoreSQLite, s.Store)
	require.Equal(t, 0.2, s.Temperature)
	require.Equal(t, 4096, s.MaxTokens)
	require.Equal(t, 5*time.Second, s.RequestTimeout)
	require.Equal(t, []string{"ollama", "mistral"}, s.Providers)
	require.Equal(t, "http://localhost:8000", s.APIBaseURL)
}

func TestValidate(t *testing.T) {
	s := Defaults()
	require.NoError(t, s.Validate())

	bad := s.Clone()
	bad.Store = "postgres"
	require.Error(t, bad.Validate())

	bad = s.Clone()
	bad.Temperature = 3
	require.Error(t, bad.Validate())

	bad = s.Clone()
	bad.APIBaseURL = " "
	require.Error(t, bad.Validate())

	bad = s.Clone()
	bad.ChannelURL = "http://localhost:8000/ws"
	require.ErrorIs(t, bad.Validate(), security.ErrUnsafeURL)

	ok := s.Clone()
	ok.ChannelURL = "ws://localhost:8000/ws"
	require.NoError(t, ok.Validate())
}

func TestClone(t *testing.T) {
	s := Defaults()
	c := s.Clone()
	c.Providers[0] = "changed"
	require.Equal(t, "ollama", s.Providers[0])
}
