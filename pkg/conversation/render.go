package conversation

import (
	"io"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"
)

const markdownTemplate = `# {{ .Conversation.Title }}
{{ if .Conversation.ID }}ID: {{ .Conversation.ID }}
{{ end -}}
Exported at: {{ .ExportDate | date "2006-01-02T15:04:05Z07:00" }}
Model: {{ .Conversation.Settings.ProviderID | default "?" }}/{{ .Conversation.Settings.ModelID | default "?" }} (temperature {{ .Conversation.Settings.Temperature }}{{ if .Conversation.Settings.MaxTokens }}, max tokens {{ .Conversation.Settings.MaxTokens }}{{ end }})
{{ if .Conversation.Attachments }}
## Attachments
{{ range .Conversation.Attachments }}
- {{ .Name }}{{ if .MediaType }} ({{ .MediaType }}){{ end }}
{{- end }}
{{ end }}
## Transcript
{{ range .Conversation.Messages }}
**{{ .Role | toString | title }}**{{ if not .Timestamp.IsZero }} _{{ .Timestamp | date "15:04:05" }}_{{ end }}:

{{ .Content | trim }}

---
{{ end -}}
`

var markdownTmpl = template.Must(template.New("conversation").Funcs(sprig.TxtFuncMap()).Parse(markdownTemplate))

// RenderMarkdown writes a human readable transcript of the snapshot.
func RenderMarkdown(w io.Writer, s *Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return errors.Wrap(markdownTmpl.Execute(w, s), "could not render conversation")
}
