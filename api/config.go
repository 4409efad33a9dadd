package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// APICalls is the interceptApiCalls option. Off is encoded as the JSON boolean false.
type APICalls string

const (
	IncludeAuthCalls APICalls = "IncludeAuthCalls"
	ExcludeAuthCalls APICalls = "ExcludeAuthCalls"
	APICallsOff      APICalls = "false"
)

// ScriptRequests is the interceptScriptRequests option. Off is encoded as the JSON
// boolean false.
type ScriptRequests string

const (
	MainJsAsArrayBufferMode ScriptRequests = MainJsAsArrayBuffer
	MainJsAsString          ScriptRequests = "MainJsAsString"
	ExcludeMainJs           ScriptRequests = "ExcludeMainJs"
	ScriptRequestsOff       ScriptRequests = "false"
)

const (
	// DefaultWebSocketOpeningTimeout is in milliseconds.
	DefaultWebSocketOpeningTimeout = 5000

	// DefaultRequestTimeout is in milliseconds.
	DefaultRequestTimeout = 15000

	DefaultAPICalls       = IncludeAuthCalls
	DefaultScriptRequests = ExcludeMainJs
)

const (
	TypeGetConfig         = "getConfig"
	TypeChangeConfig      = "changeConfig"
	TypeResetWsConnection = "resetWsConnection"
)

// Config is the interception configuration record. Zero values mean unset and are
// replaced by defaults when merged.
type Config struct {
	InterceptAPICalls       APICalls       `json:"interceptApiCalls,omitempty"`
	InterceptScriptRequests ScriptRequests `json:"interceptScriptRequests,omitempty"`
	WebSocketOpeningTimeout int64          `json:"webSocketOpeningTimeout,omitempty"`
	RequestTimeout          int64          `json:"requestTimeout,omitempty"`
}

// ControlMessage is a message sent to the interception client outside the tunnel.
type ControlMessage struct {
	Type   string  `json:"type"`
	Config *Config `json:"config,omitempty"`
}

// DefaultConfig returns the configuration used when nothing was set.
func DefaultConfig() Config {
	return Config{
		InterceptAPICalls:       DefaultAPICalls,
		InterceptScriptRequests: DefaultScriptRequests,
		WebSocketOpeningTimeout: DefaultWebSocketOpeningTimeout,
		RequestTimeout:          DefaultRequestTimeout,
	}
}

// WithDefaults returns a copy of c with every unset field replaced by its default.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.InterceptAPICalls == "" {
		c.InterceptAPICalls = d.InterceptAPICalls
	}
	if c.InterceptScriptRequests == "" {
		c.InterceptScriptRequests = d.InterceptScriptRequests
	}
	if c.WebSocketOpeningTimeout <= 0 {
		c.WebSocketOpeningTimeout = d.WebSocketOpeningTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// OpeningTimeout returns WebSocketOpeningTimeout as a duration.
func (c Config) OpeningTimeout() time.Duration {
	return time.Duration(c.WebSocketOpeningTimeout) * time.Millisecond
}

// Timeout returns RequestTimeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

var (
	jsonFalse = []byte("false")
	jsonNull  = []byte("null")
)

func (a APICalls) MarshalJSON() ([]byte, error) {
	if a == APICallsOff {
		return jsonFalse, nil
	}
	return json.Marshal(string(a))
}

func (a *APICalls) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, jsonNull) {
		return nil
	}
	if bytes.Equal(b, jsonFalse) {
		*a = APICallsOff
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("interceptApiCalls must be a string or false: %w", err)
	}
	switch v := APICalls(s); v {
	case IncludeAuthCalls, ExcludeAuthCalls:
		*a = v
		return nil
	}
	return fmt.Errorf("unknown interceptApiCalls value %q", s)
}

func (s ScriptRequests) MarshalJSON() ([]byte, error) {
	if s == ScriptRequestsOff {
		return jsonFalse, nil
	}
	return json.Marshal(string(s))
}

func (s *ScriptRequests) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, jsonNull) {
		return nil
	}
	if bytes.Equal(b, jsonFalse) {
		*s = ScriptRequestsOff
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("interceptScriptRequests must be a string or false: %w", err)
	}
	switch v := ScriptRequests(str); v {
	case MainJsAsArrayBufferMode, MainJsAsString, ExcludeMainJs:
		*s = v
		return nil
	}
	return fmt.Errorf("unknown interceptScriptRequests value %q", str)
}
