package conversation

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/confab/pkg/security"
)

// MaxAttachmentSize is the largest local file accepted as an attachment.
const MaxAttachmentSize = 20 * 1024 * 1024

// Attachment is a file sent along with the conversation. Local files are inlined,
// remote ones are kept as a URL reference.
type Attachment struct {
	Name      string `json:"name" yaml:"name"`
	MediaType string `json:"mediaType,omitempty" yaml:"mediaType,omitempty"`
	Size      int64  `json:"size,omitempty" yaml:"size,omitempty"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
	Content   []byte `json:"content,omitempty" yaml:"content,omitempty"`
}

func NewAttachmentFromFile(path string) (*Attachment, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if err := security.AttachmentPolicy.Validate(path); err != nil {
			return nil, err
		}
		return newAttachmentFromURL(path), nil
	}
	return newAttachmentFromLocalFile(path)
}

func newAttachmentFromURL(url string) *Attachment {
	name := path.Base(url)
	return &Attachment{
		Name:      name,
		MediaType: mediaTypeFromExtension(path.Ext(name)),
		URL:       url,
	}
}

func newAttachmentFromLocalFile(path string) (*Attachment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open attachment")
	}
	defer func(file *os.File) {
		_ = file.Close()
	}(file)

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get attachment info")
	}
	if fileInfo.IsDir() {
		return nil, errors.Errorf("attachment %s is a directory", path)
	}
	if fileInfo.Size() > MaxAttachmentSize {
		return nil, errors.Errorf("attachment size exceeds %dMB limit", MaxAttachmentSize/(1024*1024))
	}

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read attachment content")
	}

	return &Attachment{
		Name:      fileInfo.Name(),
		MediaType: mediaTypeFromExtension(filepath.Ext(path)),
		Size:      int64(len(content)),
		Content:   content,
	}, nil
}

func mediaTypeFromExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", ".log":
		return "text/plain"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (a Attachment) String() string {
	if a.URL != "" {
		return fmt.Sprintf("%s (%s)", a.Name, a.URL)
	}
	return fmt.Sprintf("%s (%s, %d bytes)", a.Name, a.MediaType, a.Size)
}
