package fetchtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/matheuscscp/fetch-tunnel/api"
	"github.com/matheuscscp/fetch-tunnel/internal/logging"
	"github.com/matheuscscp/fetch-tunnel/internal/reader"
)

// DefaultReconnectInterval is the fixed delay between reconnection attempts.
const DefaultReconnectInterval = 3 * time.Second

// The text of these two errors is matched on by callers and must not change.
var (
	ErrConnectionTimeout = errors.New("Connection timeout")
	ErrRequestTimeout    = errors.New("Request timeout")
)

var (
	ErrBinaryRequestInFlight = errors.New("a " + api.MainJsAsArrayBuffer + " request is already in flight")
	ErrClientClosed          = errors.New("client closed")
)

// ClientOption defines a function that can modify the client options.
type ClientOption func(*clientOptions)

// WithHTTPClient sets the HTTP client used to dial the relay.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = httpClient
	}
}

// WithBaseTransport sets the transport used for requests that are not relayed.
func WithBaseTransport(rt http.RoundTripper) ClientOption {
	return func(o *clientOptions) {
		o.base = rt
	}
}

// WithConfig sets the initial interception configuration. Unset fields get defaults.
func WithConfig(cfg api.Config) ClientOption {
	return func(o *clientOptions) {
		o.config = cfg
	}
}

// WithReconnectInterval overrides DefaultReconnectInterval.
func WithReconnectInterval(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.reconnectInterval = d
	}
}

// WithCredentials sets the credentials mode carried by every relayed request.
func WithCredentials(mode string) ClientOption {
	return func(o *clientOptions) {
		o.credentials = mode
	}
}

// WithIDToken sets the ID token presented to a relay that requires authentication.
func WithIDToken(token string) ClientOption {
	return func(o *clientOptions) {
		o.idToken = token
	}
}

// WithRelayURL overrides the relay URL derived from the origin.
func WithRelayURL(relayURL string) ClientOption {
	return func(o *clientOptions) {
		o.relayURL = relayURL
	}
}

// WithLogger sets the logger of the client's background goroutines.
func WithLogger(l logrus.FieldLogger) ClientOption {
	return func(o *clientOptions) {
		o.logger = l
	}
}

type clientOptions struct {
	httpClient        *http.Client
	base              http.RoundTripper
	config            api.Config
	reconnectInterval time.Duration
	credentials       string
	idToken           string
	relayURL          string
	logger            logrus.FieldLogger
}

// Client relays requests for one origin through a tunnel to the relay server.
// It implements http.RoundTripper.
type Client struct {
	origin            *url.URL
	relayURL          string
	httpClient        *http.Client
	base              http.RoundTripper
	credentials       string
	idToken           string
	reconnectInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	conn         *websocket.Conn
	gen          uint64
	connectionID string
	config       api.Config
	retries      int
	closed       bool

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
	binary    *pendingRequest
}

type result struct {
	resp *api.Response
	data []byte
	err  error
}

type pendingRequest struct {
	ch chan result
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{ch: make(chan result, 1)}
}

func (p *pendingRequest) resolve(r result) {
	p.ch <- r
}

// NewClient creates a client for the given origin. The relay URL is the origin
// with a websocket scheme and the tunnel path.
func NewClient(origin string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute http or https URL, got %q", origin)
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.base == nil {
		o.base = http.DefaultTransport
	}
	if o.reconnectInterval <= 0 {
		o.reconnectInterval = DefaultReconnectInterval
	}
	if o.relayURL == "" {
		o.relayURL = relayURLFor(u)
	}
	if o.logger == nil {
		o.logger = logging.FromContext(context.Background())
	}

	ctx, cancel := context.WithCancel(logging.IntoContext(context.Background(), o.logger))

	return &Client{
		origin:            &url.URL{Scheme: u.Scheme, Host: u.Host},
		relayURL:          o.relayURL,
		httpClient:        o.httpClient,
		base:              o.base,
		credentials:       o.credentials,
		idToken:           o.idToken,
		reconnectInterval: o.reconnectInterval,
		ctx:               ctx,
		cancel:            cancel,
		config:            o.config.WithDefaults(),
		pending:           make(map[string]*pendingRequest),
	}, nil
}

func relayURLFor(origin *url.URL) string {
	u := url.URL{
		Scheme: strings.Replace(origin.Scheme, "http", "ws", 1),
		Host:   origin.Host,
		Path:   api.PathPrefixTunnel,
	}
	return u.String()
}

// Connect opens the tunnel. It fails with ErrConnectionTimeout if the connection is
// not open within the configured opening timeout.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if !c.install(conn, false) {
		conn.CloseNow()
		return ErrClientClosed
	}
	return nil
}

// Reset replaces the current connection with a brand-new one. Requests pending on
// the old connection are left to time out.
func (c *Client) Reset(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if !c.install(conn, false) {
		conn.CloseNow()
		return ErrClientClosed
	}
	logging.FromContext(c.ctx).Info("tunnel connection reset")
	return nil
}

// Close stops reconnecting and closes the tunnel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.cancel()
	c.wg.Wait()
	return err
}

// IsOpen tells whether a tunnel connection is currently open.
func (c *Client) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// ConnectionID returns the ID the relay assigned to the current connection.
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// Retries returns how many reconnection attempts were made so far.
func (c *Client) Retries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retries
}

// Config returns the current interception configuration.
func (c *Client) Config() api.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// SetConfig replaces the interception configuration. Unset fields get defaults.
func (c *Client) SetConfig(cfg api.Config) api.Config {
	cfg = cfg.WithDefaults()
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	return cfg
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.Config().OpeningTimeout())
	defer cancel()

	var header http.Header
	if c.idToken != "" {
		header = http.Header{api.HeaderToken: []string{c.idToken}}
	}
	conn, _, err := websocket.Dial(dialCtx, c.relayURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrConnectionTimeout
		}
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// install makes conn the current connection and starts reading from it. When
// onlyIfDown is set, conn is installed only if no connection is open.
func (c *Client) install(conn *websocket.Conn, onlyIfDown bool) bool {
	c.mu.Lock()
	if c.closed || (onlyIfDown && c.conn != nil) {
		c.mu.Unlock()
		return false
	}
	old := c.conn
	c.conn = conn
	c.connectionID = ""
	c.gen++
	gen := c.gen
	c.wg.Add(1)
	c.mu.Unlock()

	if old != nil {
		old.CloseNow()
	}
	go c.readLoop(conn, gen)
	return true
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()

	frames, _ := reader.ReadFrames(c.ctx, conn)
	for f := range frames {
		c.dispatch(f)
	}
	conn.CloseNow()

	c.mu.Lock()
	dropped := c.gen == gen && !c.closed
	if dropped {
		c.conn = nil
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if dropped {
		logging.FromContext(c.ctx).Warn("tunnel connection dropped, reconnecting")
		go c.reconnect()
	}
}

// reconnect dials at a fixed interval until a connection is open again.
func (c *Client) reconnect() {
	defer c.wg.Done()

	l := logging.FromContext(c.ctx)
	b := &backoff.Backoff{
		Min:    c.reconnectInterval,
		Max:    c.reconnectInterval,
		Factor: 1,
	}
	for {
		timer := time.NewTimer(b.Duration())
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			return
		}
		c.retries++
		retries := c.retries
		c.mu.Unlock()

		conn, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			l.WithError(err).WithField("retries", retries).Warn("failed to reconnect")
			continue
		}
		if !c.install(conn, true) {
			conn.CloseNow()
			return
		}
		l.WithField("retries", retries).Info("tunnel connection reestablished")
		return
	}
}

func (c *Client) dispatch(f *reader.Frame) {
	l := logging.FromContext(c.ctx)

	if f.Type == websocket.MessageBinary {
		p := c.takeBinary(nil)
		if p == nil {
			l.WithField("size", len(f.Data)).Warn("binary message with no pending request")
			return
		}
		p.resolve(result{data: f.Data})
		return
	}

	var env api.Envelope
	if err := f.Decode(&env); err != nil {
		l.WithError(err).Warn("ignoring malformed message from relay")
		return
	}

	if env.Type == api.TypeConnectedNotification {
		var n api.ConnectedNotification
		if err := f.Decode(&n); err != nil {
			l.WithError(err).Warn("ignoring malformed connected notification")
			return
		}
		c.mu.Lock()
		c.connectionID = n.ConnectionID
		c.mu.Unlock()
		l.WithField("connectionId", n.ConnectionID).Info("tunnel connected")
		return
	}

	var resp api.Response
	if err := f.Decode(&resp); err != nil {
		l.WithError(err).Warn("ignoring malformed relay response")
		return
	}

	// The relay answers a failed binary request with a text response.
	if resp.RequestID == api.MainJsAsArrayBuffer {
		if p := c.takeBinary(nil); p != nil {
			p.resolve(result{err: relayError(&resp)})
		}
		return
	}

	p := c.take(resp.RequestID, nil)
	if p == nil {
		l.WithField("requestId", resp.RequestID).Debug("response with no pending request")
		return
	}
	p.resolve(result{resp: &resp})
}

// take removes the pending request for id. If want is not nil, it is removed only
// if it is still the registered one.
func (c *Client) take(id string, want *pendingRequest) *pendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[id]
	if !ok || (want != nil && p != want) {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) takeBinary(want *pendingRequest) *pendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p := c.binary
	if p == nil || (want != nil && p != want) {
		return nil
	}
	c.binary = nil
	return p
}

func (c *Client) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Request relays req through the tunnel and waits for the matching response.
// It fails with ErrRequestTimeout if no response arrives within the configured
// request timeout. If the tunnel is not open the request is not sent and the
// timeout is the only outcome.
func (c *Client) Request(ctx context.Context, req *http.Request) (*http.Response, error) {
	rr, err := c.newRelayRequest(req, uuid.NewString())
	if err != nil {
		return nil, err
	}

	p := newPendingRequest()
	c.pendingMu.Lock()
	c.pending[rr.RequestID] = p
	c.pendingMu.Unlock()

	r, err := c.await(ctx, rr, p,
		func() *pendingRequest { return c.take(rr.RequestID, p) })
	if err != nil {
		return nil, err
	}
	return toHTTPResponse(r.resp, req), nil
}

// RequestMainJsAsArrayBuffer relays req through the binary fast path and returns
// the raw body. Only one such request may be in flight; a second one fails with
// ErrBinaryRequestInFlight.
func (c *Client) RequestMainJsAsArrayBuffer(ctx context.Context, req *http.Request) ([]byte, error) {
	rr, err := c.newRelayRequest(req, api.MainJsAsArrayBuffer)
	if err != nil {
		return nil, err
	}

	p := newPendingRequest()
	c.pendingMu.Lock()
	if c.binary != nil {
		c.pendingMu.Unlock()
		return nil, ErrBinaryRequestInFlight
	}
	c.binary = p
	c.pendingMu.Unlock()

	r, err := c.await(ctx, rr, p,
		func() *pendingRequest { return c.takeBinary(p) })
	if err != nil {
		return nil, err
	}
	return r.data, nil
}

// await sends rr and waits for p to be resolved, the request timeout or ctx.
// release removes p from wherever it is registered and returns nil if it was
// already removed.
func (c *Client) await(ctx context.Context, rr *api.Request, p *pendingRequest,
	release func() *pendingRequest) (result, error) {

	timer := time.AfterFunc(c.Config().Timeout(), func() {
		if release() != nil {
			p.resolve(result{err: ErrRequestTimeout})
		}
	})
	defer timer.Stop()

	c.send(rr)

	select {
	case r := <-p.ch:
		return r, r.err
	case <-ctx.Done():
		release()
		return result{}, ctx.Err()
	case <-c.ctx.Done():
		release()
		return result{}, ErrClientClosed
	}
}

// send writes rr to the current connection. A closed tunnel drops it.
func (c *Client) send(rr *api.Request) {
	l := logging.FromContext(c.ctx).WithFields(map[string]any{
		"requestId": rr.RequestID,
		"path":      rr.PathName,
	})

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		l.Warn("tunnel is not open, request dropped")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.Config().Timeout())
	defer cancel()
	if err := wsjson.Write(ctx, conn, rr); err != nil {
		l.WithError(err).Warn("failed to write request to websocket")
	}
}

func (c *Client) newRelayRequest(req *http.Request, id string) (*api.Request, error) {
	rr := &api.Request{
		RequestID:   id,
		PathName:    req.URL.RequestURI(),
		Method:      strings.ToUpper(req.Method),
		Headers:     flattenHeader(req.Header),
		Credentials: c.credentials,
	}
	if rr.Method == "" {
		rr.Method = http.MethodGet
	}
	if rr.Headers == nil {
		rr.Headers = map[string]string{}
	}
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		rr.Body = api.StringPtr(string(b))
	}
	return rr, nil
}

func toHTTPResponse(resp *api.Response, req *http.Request) *http.Response {
	var body string
	if resp.Body != nil {
		body = *resp.Body
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        unflattenHeader(resp.Headers),
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func relayError(resp *api.Response) error {
	var body string
	if resp.Body != nil {
		body = *resp.Body
	}
	return fmt.Errorf("relay answered %s with status %d: %s", resp.RequestPathName, resp.Status, body)
}
