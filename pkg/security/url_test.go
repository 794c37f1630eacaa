package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURLPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		policy URLPolicy
		url    string
		ok     bool
	}{
		{"backend on localhost", BackendPolicy, "http://localhost:8000", true},
		{"backend over https", BackendPolicy, "https://chat.example.com/api", true},
		{"backend with websocket scheme", BackendPolicy, "ws://localhost:8000", false},
		{"channel", ChannelPolicy, "ws://127.0.0.1:8000/ws", true},
		{"channel over http", ChannelPolicy, "http://127.0.0.1:8000/ws", false},
		{"public attachment", AttachmentPolicy, "https://example.com/cat.png", true},
		{"attachment on localhost", AttachmentPolicy, "http://localhost/secret", false},
		{"attachment on mdns name", AttachmentPolicy, "http://printer.local/scan.png", false},
		{"attachment on private ip", AttachmentPolicy, "http://10.0.0.3/x", false},
		{"attachment on mapped loopback", AttachmentPolicy, "http://[::ffff:127.0.0.1]/x", false},
		{"attachment on zoned ip", AttachmentPolicy, "https://[fe80::1%25eth0]/", false},
		{"zoned ip with local networks", BackendPolicy, "https://[fe80::1%25eth0]/", true},
		{"unspecified address", BackendPolicy, "http://0.0.0.0:8000", false},
		{"no host", AttachmentPolicy, "https:///x", false},
		{"file scheme", AttachmentPolicy, "file:///etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate(tt.url)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrUnsafeURL)
			}
		})
	}
}
