package api

import "strings"

const (
	// HeaderToken is the header used to authenticate the websocket handshake when the
	// relay server is configured with allowed identities. It should contain an OIDC ID
	// token representing one of them.
	HeaderToken = "X-Fetch-Tunnel-Token"

	// MainJsAsArrayBuffer is the reserved request ID of the large-binary fast path.
	// The server answers it with a single binary message holding the raw upstream
	// body instead of a Response.
	MainJsAsArrayBuffer = "MainJsAsArrayBuffer"

	// TypeConnectedNotification is the type of the message sent by the server right
	// after accepting a connection.
	TypeConnectedNotification = "ConnectedNotification"
)

const (
	// DefaultListenAddr is the address the relay server listens on.
	DefaultListenAddr = ":3001"

	// DefaultUpstream is the origin relayed requests are sent to.
	DefaultUpstream = "http://localhost:8080"
)

const (
	// PathPrefixAPI is the prefix of backend API paths.
	PathPrefixAPI = "/api/"

	// PathPrefixAuth is the prefix of authentication paths, a subset of API paths.
	PathPrefixAuth = "/api/auth/"

	// PathSignIn is the path whose successful response carries the session cookie.
	PathSignIn = "/api/auth/sign-in"

	// PathSignOut is the path whose successful response discards the session cookie.
	PathSignOut = "/api/auth/sign-out"

	// PathPrefixTunnel is the prefix of the tunnel endpoint itself. Requests under it
	// are never relayed.
	PathPrefixTunnel = "/ws"

	// PathMainScript is the main application script.
	PathMainScript = "/main.js"
)

// Request is the JSON serialization of an HTTP request the client relays through
// the tunnel.
type Request struct {
	RequestID   string            `json:"requestId"`
	PathName    string            `json:"pathName"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	Body        *string           `json:"body"`
	Credentials string            `json:"credentials,omitempty"`
}

// Response is the JSON serialization of the upstream response sent back to the
// client. RequestID echoes Request.RequestID.
type Response struct {
	RequestID       string            `json:"requestId"`
	RequestPathName string            `json:"requestPathName"`
	Status          int               `json:"status"`
	Headers         map[string]string `json:"headers"`
	Body            *string           `json:"body,omitempty"`
}

// ConnectedNotification is sent once per connection, before any response.
type ConnectedNotification struct {
	ConnectionID string `json:"connectionId"`
	Type         string `json:"type"`
}

// Envelope holds the fields needed to tell server text messages apart.
type Envelope struct {
	Type      string `json:"type,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// IsScript tells whether the path denotes a script-like resource.
func IsScript(path string) bool {
	return strings.HasSuffix(path, ".js") || strings.HasSuffix(path, ".mjs")
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
