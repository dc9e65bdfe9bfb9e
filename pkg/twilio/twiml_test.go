package twilio

import (
	"strings"
	"testing"
)

func TestStreamURL(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{"example.ngrok.io", "wss://example.ngrok.io/media-stream?reqId=abcd1234abcd1234"},
		{"localhost:8000", "ws://localhost:8000/media-stream?reqId=abcd1234abcd1234"},
		{"127.0.0.1:8000", "ws://127.0.0.1:8000/media-stream?reqId=abcd1234abcd1234"},
		{"relay.example.com:443", "wss://relay.example.com:443/media-stream?reqId=abcd1234abcd1234"},
	}

	for _, tc := range cases {
		got := StreamURL(tc.host, "abcd1234abcd1234")
		if got != tc.want {
			t.Errorf("StreamURL(%q) = %q, want %q", tc.host, got, tc.want)
		}
	}
}

func TestStreamTwiML(t *testing.T) {
	xml := StreamTwiML("example.com", "deadbeef00112233")

	if !strings.HasPrefix(xml, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Error("missing XML declaration")
	}
	if !strings.Contains(xml, "<Connect>") {
		t.Error("missing Connect verb")
	}
	if !strings.Contains(xml, `<Stream url="wss://example.com/media-stream?reqId=deadbeef00112233" />`) {
		t.Errorf("missing Stream element:\n%s", xml)
	}
}
