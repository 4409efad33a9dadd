package fetchtunnel

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/matheuscscp/fetch-tunnel/api"
)

// Disposition is what RoundTrip does with a request.
type Disposition int

const (
	// PassThrough sends the request over the base transport.
	PassThrough Disposition = iota
	// RelayText relays the request and waits for a Response.
	RelayText
	// RelayBinary relays the request through the binary fast path.
	RelayBinary
)

func (d Disposition) String() string {
	switch d {
	case RelayText:
		return "relay"
	case RelayBinary:
		return "relay-binary"
	default:
		return "pass-through"
	}
}

// Decide applies the interception rules to a same-origin path while the tunnel is
// open. Scripts other than the main script always pass through; the main script is
// relayed only when script interception asks for it.
func Decide(cfg api.Config, path string) Disposition {
	if api.IsScript(path) {
		if path != api.PathMainScript {
			return PassThrough
		}
		switch cfg.InterceptScriptRequests {
		case api.MainJsAsString:
			return RelayText
		case api.MainJsAsArrayBufferMode:
			return RelayBinary
		default:
			return PassThrough
		}
	}

	if !strings.HasPrefix(path, api.PathPrefixAPI) || cfg.InterceptAPICalls == api.APICallsOff {
		return PassThrough
	}
	if strings.HasPrefix(path, api.PathPrefixAuth) && cfg.InterceptAPICalls != api.IncludeAuthCalls {
		return PassThrough
	}
	return RelayText
}

// Classify decides what RoundTrip does with req. Cross-origin requests and
// requests for the tunnel endpoint are never relayed, nor is anything while the
// tunnel is down.
func (c *Client) Classify(req *http.Request) Disposition {
	if !sameOrigin(req.URL, c.origin) || strings.HasPrefix(req.URL.Path, api.PathPrefixTunnel) {
		return PassThrough
	}
	if !c.IsOpen() {
		return PassThrough
	}
	return Decide(c.Config(), req.URL.Path)
}

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	switch c.Classify(req) {
	case RelayText:
		return c.Request(req.Context(), req)
	case RelayBinary:
		b, err := c.RequestMainJsAsArrayBuffer(req.Context(), req)
		if err != nil {
			return nil, err
		}
		return binaryResponse(b, req), nil
	default:
		return c.base.RoundTrip(req)
	}
}

func sameOrigin(u, origin *url.URL) bool {
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

func binaryResponse(b []byte, req *http.Request) *http.Response {
	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   []string{"text/javascript"},
			"Content-Length": []string{strconv.Itoa(len(b))},
		},
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: int64(len(b)),
		Request:       req,
	}
}
