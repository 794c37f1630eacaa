package conversation

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const SnapshotVersion = "1.0"

var ErrInvalidSnapshot = errors.New("invalid conversation format")

// Snapshot is the serializable export form of a conversation.
type Snapshot struct {
	Version      string        `json:"version" yaml:"version"`
	ExportDate   time.Time     `json:"exportDate" yaml:"exportDate"`
	Conversation *Conversation `json:"conversation" yaml:"conversation"`

	decoded  bool
	settings settingsFields
}

// settingsFields mirrors the optional generation settings of an encoded
// snapshot, nil where the document left a field out.
type settingsFields struct {
	Temperature *float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   *int     `json:"maxTokens" yaml:"maxTokens"`
}

type encodedSettings struct {
	Conversation *struct {
		Settings settingsFields `json:"settings" yaml:"settings"`
	} `json:"conversation" yaml:"conversation"`
}

// MissingTemperature reports whether a decoded snapshot left the temperature
// out. Snapshots built in memory carry every setting.
func (s *Snapshot) MissingTemperature() bool {
	return s.decoded && s.settings.Temperature == nil
}

// MissingMaxTokens reports whether a decoded snapshot left max tokens out.
func (s *Snapshot) MissingMaxTokens() bool {
	return s.decoded && s.settings.MaxTokens == nil
}

// NewSnapshot deep-copies c, so later edits to c do not leak into the export.
func NewSnapshot(c *Conversation) *Snapshot {
	return &Snapshot{
		Version:      SnapshotVersion,
		ExportDate:   time.Now(),
		Conversation: c.Clone(),
	}
}

func (s *Snapshot) Validate() error {
	if s == nil || s.Conversation == nil {
		return ErrInvalidSnapshot
	}
	return nil
}

type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	default:
		return "", errors.Errorf("unknown format %q", s)
	}
}

func WriteSnapshot(w io.Writer, s *Snapshot, format Format) error {
	if err := s.Validate(); err != nil {
		return err
	}
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(s), "could not encode snapshot")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		defer func() {
			_ = enc.Close()
		}()
		return errors.Wrap(enc.Encode(s), "could not encode snapshot")
	case FormatMarkdown:
		return RenderMarkdown(w, s)
	default:
		return errors.Errorf("unsupported snapshot format %q", format)
	}
}

// ReadSnapshot decodes a JSON or YAML export. Markdown exports are one-way.
func ReadSnapshot(r io.Reader, format Format) (*Snapshot, error) {
	var unmarshal func([]byte, interface{}) error
	switch format {
	case FormatJSON:
		unmarshal = json.Unmarshal
	case FormatYAML:
		unmarshal = yaml.Unmarshal
	default:
		return nil, errors.Errorf("cannot import snapshot format %q", format)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "could not read snapshot")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.Wrap(ErrInvalidSnapshot, "empty snapshot")
	}

	s := &Snapshot{}
	if err := unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "could not decode snapshot")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	shape := encodedSettings{}
	if err := unmarshal(data, &shape); err != nil {
		return nil, errors.Wrap(err, "could not decode snapshot settings")
	}
	s.decoded = true
	if shape.Conversation != nil {
		s.settings = shape.Conversation.Settings
	}
	if s.Conversation.Messages == nil {
		s.Conversation.Messages = []Message{}
	}
	if s.Conversation.Attachments == nil {
		s.Conversation.Attachments = []Attachment{}
	}
	return s, nil
}
