package twilio

import (
	"encoding/xml"
	"fmt"
	"net"
	"strings"
)

// StreamTwiML renders the TwiML that instructs Twilio to open a media
// stream to the relay, echoing the request ID through the stream URL.
func StreamTwiML(host, reqID string) string {
	u := StreamURL(host, reqID)
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>`, escapeAttr(u))
}

// StreamURL builds the media-stream WebSocket URL for a host. Loopback
// hosts get ws, everything else wss.
func StreamURL(host, reqID string) string {
	scheme := "wss"
	if IsLoopbackHost(host) {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/media-stream?reqId=%s", scheme, host, reqID)
}

// IsLoopbackHost reports whether a host (with optional port) is loopback.
func IsLoopbackHost(host string) bool {
	h := host
	if sep, _, err := net.SplitHostPort(host); err == nil {
		h = sep
	}
	if h == "localhost" {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func escapeAttr(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
