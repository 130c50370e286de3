package wshandshake

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gbdevw/wsproto/wsengine"
)

// Handshake header names and expected values.
const (
	HeaderUpgrade      = "Upgrade"
	HeaderConnection   = "Connection"
	HeaderSecWsKey     = "Sec-WebSocket-Key"
	HeaderSecWsVersion = "Sec-WebSocket-Version"
	HeaderSecWsProto   = "Sec-WebSocket-Protocol"
	HeaderSecWsExt     = "Sec-WebSocket-Extensions"
	HeaderSecWsAccept  = "Sec-WebSocket-Accept"

	upgradeToken     = "websocket"
	connectionToken  = "upgrade"
	SupportedVersion = "13"

	// GUID appended to the client key to compute the accept key
	acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
)

// ComputeAcceptKey returns base64(SHA-1(key + GUID)), the Sec-WebSocket-Accept value for the
// provided Sec-WebSocket-Key.
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Return the comma-separated tokens of all values of a header. Empty tokens are dropped.
func headerTokens(h http.Header, name string) []string {
	tokens := []string{}
	for _, value := range h.Values(name) {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens = append(tokens, token)
			}
		}
	}
	return tokens
}

// Check whether a comma-separated header contains the provided token (case-insensitive).
func headerContainsToken(h http.Header, name string, token string) bool {
	for _, candidate := range headerTokens(h, name) {
		if strings.EqualFold(candidate, token) {
			return true
		}
	}
	return false
}

// # Description
//
// Parse the extension offers of Sec-WebSocket-Extensions header values, in order. Each element
// is a name followed by ';'-separated parameters which can have a token or a quoted-string value:
//
//	permessage-deflate; client_max_window_bits, x-custom; mode="fast"
//
// Elements without a name are dropped.
func ParseExtensions(values []string) []wsengine.ExtensionOffer {
	offers := []wsengine.ExtensionOffer{}
	for _, value := range values {
		for _, element := range splitQuoted(value, ',') {
			parts := splitQuoted(element, ';')
			name := strings.TrimSpace(parts[0])
			if name == "" {
				continue
			}
			offer := wsengine.ExtensionOffer{Name: name}
			for _, param := range parts[1:] {
				param = strings.TrimSpace(param)
				if param == "" {
					continue
				}
				opt := wsengine.ExtensionOption{Name: param}
				if i := strings.IndexByte(param, '='); i >= 0 {
					opt.Name = strings.TrimSpace(param[:i])
					opt.Value = unquote(strings.TrimSpace(param[i+1:]))
					opt.HasValue = true
				}
				offer.Options = append(offer.Options, opt)
			}
			offers = append(offers, offer)
		}
	}
	return offers
}

// Split s on sep, ignoring separators inside quoted strings.
func splitQuoted(s string, sep byte) []string {
	parts := []string{}
	quoted := false
	escaped := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case quoted && s[i] == '\\':
			escaped = true
		case s[i] == '"':
			quoted = !quoted
		case !quoted && s[i] == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// Remove surrounding quotes and escapes of a quoted-string. Tokens are returned as is.
func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	sb := strings.Builder{}
	escaped := false
	for i := 1; i < len(s)-1; i++ {
		if !escaped && s[i] == '\\' {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteByte(s[i])
	}
	return sb.String()
}
