package fetchtunnel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"

	"github.com/matheuscscp/fetch-tunnel/api"
	"github.com/matheuscscp/fetch-tunnel/internal/logging"
	"github.com/matheuscscp/fetch-tunnel/internal/reader"
)

// readLimit bounds a single websocket message. The main script can be large.
const readLimit = 64 << 20

// ServerOption defines a function that can modify the server options.
type ServerOption func(*serverOptions)

// WithUpstreamClient sets the HTTP client used for relayed requests.
func WithUpstreamClient(httpClient *http.Client) ServerOption {
	return func(o *serverOptions) {
		o.httpClient = httpClient
	}
}

// WithOIDCClient sets the OIDC HTTP client for the server.
func WithOIDCClient(oidcClient *http.Client) ServerOption {
	return func(o *serverOptions) {
		o.oidcClient = oidcClient
	}
}

// WithAllowedIdentities requires every tunnel to authenticate as one of the given
// identities.
func WithAllowedIdentities(ids ...Identity) ServerOption {
	return func(o *serverOptions) {
		o.allowedIdentities = append(o.allowedIdentities, ids...)
	}
}

// WithOriginPatterns sets the origins allowed to open tunnels from a browser,
// in addition to the relay's own host.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(o *serverOptions) {
		o.originPatterns = append(o.originPatterns, patterns...)
	}
}

// WithColor enables colour-coded request log lines.
func WithColor(color bool) ServerOption {
	return func(o *serverOptions) {
		o.color = color
	}
}

type serverOptions struct {
	httpClient        *http.Client
	oidcClient        *http.Client
	allowedIdentities []Identity
	originPatterns    []string
	color             bool
}

// Server accepts tunnels and performs the relayed requests against the upstream origin.
type Server struct {
	upstream          string
	httpClient        *http.Client
	oidcClient        *http.Client
	allowedIdentities map[Identity]struct{}
	originPatterns    []string
	styler            logging.Styler
}

// NewServer creates a new Server relaying to the given upstream origin.
func NewServer(upstream string, opts ...ServerOption) (*Server, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream origin must be http or https, got %q", upstream)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return nil, fmt.Errorf("upstream must be an origin without path or query, got %q", upstream)
	}

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = http.DefaultClient
	}

	var allowed map[Identity]struct{}
	if len(o.allowedIdentities) > 0 {
		allowed = make(map[Identity]struct{}, len(o.allowedIdentities))
		for _, id := range o.allowedIdentities {
			allowed[id] = struct{}{}
		}
	}

	return &Server{
		upstream:          strings.TrimSuffix(upstream, "/"),
		httpClient:        o.httpClient,
		oidcClient:        o.oidcClient,
		allowedIdentities: allowed,
		originPatterns:    o.originPatterns,
		styler:            logging.NewStyler(o.color),
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := logging.FromContext(r.Context()).WithField("handler", "relay")

	// Authenticate the request.
	if s.allowedIdentities != nil {
		id, err := s.authenticate(r)
		if err != nil {
			l.WithError(err).Error("failed to authenticate request")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		l = l.WithField("identity", id)
	}

	// Upgrade the request to a WebSocket connection.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		l.WithError(err).Error("failed to accept websocket connection")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	sess := newSession(uuid.NewString(), conn)
	l = l.WithField("connectionId", sess.id)

	ctx, cancel := context.WithCancel(logging.IntoContext(r.Context(), l))
	var inFlight sync.WaitGroup
	defer func() {
		cancel()
		inFlight.Wait()
	}()

	// Send connected notification.
	notification := &api.ConnectedNotification{
		ConnectionID: sess.id,
		Type:         api.TypeConnectedNotification,
	}
	if err := wsjson.Write(ctx, conn, notification); err != nil {
		l.WithError(err).Error("failed to send connected notification")
		return
	}

	// Handle incoming requests. Each one races independently, so responses
	// go back in completion order.
	l.Info("handling requests")
	frames, _ := reader.ReadFrames(ctx, conn)
	for frame := range frames {
		if frame.Type != websocket.MessageText {
			l.WithField("size", len(frame.Data)).Warn("ignoring binary message from client")
			continue
		}
		var req api.Request
		if err := frame.Decode(&req); err != nil {
			l.WithError(err).Warn("ignoring malformed relay request")
			continue
		}
		inFlight.Add(1)
		go func() {
			defer inFlight.Done()
			s.relay(ctx, sess, &req)
		}()
	}
	l.Info("connection closed")
}

func (s *Server) authenticate(r *http.Request) (*Identity, error) {
	idToken := r.Header.Get(api.HeaderToken)
	if idToken == "" {
		return nil, fmt.Errorf("missing %s header", api.HeaderToken)
	}
	id, err := identityFromToken(idToken)
	if err != nil {
		return nil, err
	}
	if _, ok := s.allowedIdentities[*id]; !ok {
		return nil, ErrInvalidIdentity
	}
	ctx := r.Context()
	if s.oidcClient != nil {
		ctx = oidc.ClientContext(ctx, s.oidcClient)
	}
	if err := id.Verify(ctx, idToken); err != nil {
		return nil, err
	}
	return id, nil
}
