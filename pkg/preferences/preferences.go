package preferences

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidPreference = errors.New("invalid preference")

type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

func ParseTheme(s string) (Theme, error) {
	switch t := Theme(strings.ToLower(strings.TrimSpace(s))); t {
	case ThemeLight, ThemeDark, ThemeSystem:
		return t, nil
	default:
		return "", errors.Wrapf(ErrInvalidPreference, "unknown theme %q", s)
	}
}

var fontSizes = []string{"small", "normal", "large"}

// Preferences are the user-level defaults. Field names follow the
// preferences resource of the chat backend.
type Preferences struct {
	Theme     Theme  `json:"theme" yaml:"theme"`
	FontSize  string `json:"fontSize" yaml:"fontSize"`
	Model     string `json:"model" yaml:"model"`
	Provider  string `json:"provider" yaml:"provider"`
	Streaming bool   `json:"streaming" yaml:"streaming"`
}

func Defaults() Preferences {
	return Preferences{
		Theme:     ThemeSystem,
		FontSize:  "normal",
		Model:     "llama3.1",
		Provider:  "ollama",
		Streaming: true,
	}
}

// EffectiveTheme resolves ThemeSystem against the ambient setting.
func (p Preferences) EffectiveTheme(ambientDark bool) Theme {
	if p.Theme == ThemeDark || (p.Theme == ThemeSystem && ambientDark) {
		return ThemeDark
	}
	return ThemeLight
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	Theme     *Theme  `json:"theme,omitempty" yaml:"theme,omitempty"`
	FontSize  *string `json:"fontSize,omitempty" yaml:"fontSize,omitempty"`
	Model     *string `json:"model,omitempty" yaml:"model,omitempty"`
	Provider  *string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Streaming *bool   `json:"streaming,omitempty" yaml:"streaming,omitempty"`
}

// PatchOf returns a patch that sets every field of p.
func PatchOf(p Preferences) Patch {
	return Patch{
		Theme:     &p.Theme,
		FontSize:  &p.FontSize,
		Model:     &p.Model,
		Provider:  &p.Provider,
		Streaming: &p.Streaming,
	}
}

func (p Patch) IsEmpty() bool {
	return p.Theme == nil && p.FontSize == nil && p.Model == nil && p.Provider == nil && p.Streaming == nil
}

func (p Patch) Validate() error {
	if p.Theme != nil {
		switch *p.Theme {
		case ThemeLight, ThemeDark, ThemeSystem:
		default:
			return errors.Wrapf(ErrInvalidPreference, "unknown theme %q", *p.Theme)
		}
	}
	if p.FontSize != nil {
		ok := false
		for _, s := range fontSizes {
			if *p.FontSize == s {
				ok = true
			}
		}
		if !ok {
			return errors.Wrapf(ErrInvalidPreference, "unknown font size %q", *p.FontSize)
		}
	}
	if p.Model != nil && strings.TrimSpace(*p.Model) == "" {
		return errors.Wrap(ErrInvalidPreference, "model must not be empty")
	}
	if p.Provider != nil && strings.TrimSpace(*p.Provider) == "" {
		return errors.Wrap(ErrInvalidPreference, "provider must not be empty")
	}
	return nil
}

// Apply returns p with every non-nil field of patch copied over it.
func (p Preferences) Apply(patch Patch) Preferences {
	if patch.Theme != nil {
		p.Theme = *patch.Theme
	}
	if patch.FontSize != nil {
		p.FontSize = *patch.FontSize
	}
	if patch.Model != nil {
		p.Model = *patch.Model
	}
	if patch.Provider != nil {
		p.Provider = *patch.Provider
	}
	if patch.Streaming != nil {
		p.Streaming = *patch.Streaming
	}
	return p
}

// PatchFromAssignments builds a patch from key/value pairs as typed on the
// command line, e.g. {"theme": "dark", "streaming": "false"}.
func PatchFromAssignments(kv map[string]string) (Patch, error) {
	var p Patch
	for k, v := range kv {
		switch k {
		case "theme":
			t, err := ParseTheme(v)
			if err != nil {
				return Patch{}, err
			}
			p.Theme = &t
		case "fontsize", "font-size", "font_size":
			v := v
			p.FontSize = &v
		case "model":
			v := v
			p.Model = &v
		case "provider":
			v := v
			p.Provider = &v
		case "streaming":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Patch{}, errors.Wrapf(ErrInvalidPreference, "streaming must be a boolean, got %q", v)
			}
			p.Streaming = &b
		default:
			return Patch{}, errors.Wrapf(ErrInvalidPreference, "unknown preference %q", k)
		}
	}
	return p, p.Validate()
}
