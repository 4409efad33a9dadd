package fetchtunnel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jpillora/sizestr"

	"github.com/matheuscscp/fetch-tunnel/api"
	"github.com/matheuscscp/fetch-tunnel/internal/logging"
)

// session is the state of one tunnel on the relay server.
type session struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	cookie *string
}

func newSession(id string, conn *websocket.Conn) *session {
	return &session{
		id:   id,
		conn: conn,
	}
}

// cookieFor returns the stored cookie if it must be attached to a request for path.
// It is never attached to the sign-in call itself.
func (s *session) cookieFor(pathName string) (string, bool) {
	path := pathOnly(pathName)
	if !strings.HasPrefix(path, api.PathPrefixAPI) || path == api.PathSignIn {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cookie == nil {
		return "", false
	}
	return *s.cookie, true
}

// observe updates the stored cookie from a successful sign-in or sign-out response.
func (s *session) observe(pathName string, status int, header http.Header) {
	if status != http.StatusOK {
		return
	}
	switch pathOnly(pathName) {
	case api.PathSignIn:
		var cookie *string
		if v := header.Values("Set-Cookie"); len(v) > 0 {
			cookie = api.StringPtr(strings.Join(v, ", "))
		}
		s.mu.Lock()
		s.cookie = cookie
		s.mu.Unlock()
	case api.PathSignOut:
		s.mu.Lock()
		s.cookie = nil
		s.mu.Unlock()
	}
}

func pathOnly(pathName string) string {
	path, _, _ := strings.Cut(pathName, "?")
	return path
}

// relay performs one relayed request and sends the outcome back through the tunnel.
func (s *Server) relay(ctx context.Context, sess *session, req *api.Request) {
	start := time.Now()
	l := logging.FromContext(ctx).WithFields(map[string]any{
		"requestId":   req.RequestID,
		"method":      req.Method,
		"path":        req.PathName,
		"credentials": req.Credentials,
	})

	resp, err := s.callUpstream(ctx, sess, req)
	if err != nil {
		if ctx.Err() != nil {
			l.WithError(err).Debug("connection closed before upstream call finished")
			return
		}
		resp = &api.Response{
			RequestID:       req.RequestID,
			RequestPathName: req.PathName,
			Status:          http.StatusInternalServerError,
			Body:            api.StringPtr(err.Error()),
		}
		l = l.WithError(err)
	}

	if resp != nil {
		if err := wsjson.Write(ctx, sess.conn, resp); err != nil {
			l.WithError(err).Error("failed to write response to websocket")
			return
		}
	}

	status := http.StatusOK
	if resp != nil {
		status = resp.Status
	}
	d := time.Since(start)
	fields := map[string]any{
		"status":   status,
		"duration": d.String(),
	}
	if resp != nil && resp.Body != nil {
		fields["size"] = sizestr.ToString(int64(len(*resp.Body)))
	}
	l.WithFields(fields).Info(s.styler.RequestLine(req.Method, req.PathName, status, d))
}

// callUpstream performs the upstream call. For the binary fast path it writes the
// raw body to the tunnel itself and returns a nil response.
func (s *Server) callUpstream(ctx context.Context, sess *session, req *api.Request) (*api.Response, error) {
	upstreamReq, err := s.newUpstreamRequest(ctx, sess, req)
	if err != nil {
		return nil, err
	}

	upstreamResp, err := s.httpClient.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer upstreamResp.Body.Close()

	if req.RequestID == api.MainJsAsArrayBuffer {
		b, err := io.ReadAll(upstreamResp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream body: %w", err)
		}
		if err := sess.conn.Write(ctx, websocket.MessageBinary, b); err != nil {
			return nil, fmt.Errorf("failed to write binary message to websocket: %w", err)
		}
		return nil, nil
	}

	resp := &api.Response{
		RequestID:       req.RequestID,
		RequestPathName: req.PathName,
		Status:          upstreamResp.StatusCode,
		Headers:         flattenHeader(upstreamResp.Header),
	}
	if b, err := io.ReadAll(upstreamResp.Body); err == nil {
		resp.Body = api.StringPtr(string(b))
	} else {
		logging.FromContext(ctx).WithError(err).Warn("failed to read upstream body")
	}

	sess.observe(req.PathName, upstreamResp.StatusCode, upstreamResp.Header)

	return resp, nil
}

func (s *Server) newUpstreamRequest(ctx context.Context, sess *session, req *api.Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead && req.Body != nil {
		body = strings.NewReader(*req.Body)
	}

	r, err := http.NewRequestWithContext(ctx, method, s.upstream+req.PathName, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for k, v := range req.Headers {
		r.Header.Set(k, v)
	}
	if cookie, ok := sess.cookieFor(req.PathName); ok {
		r.Header.Set("Cookie", cookie)
	}
	return r, nil
}

// flattenHeader joins repeated header values the way the Fetch API does.
func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for k, vs := range h {
		m[k] = strings.Join(vs, ", ")
	}
	return m
}

// unflattenHeader is the inverse of flattenHeader, up to splitting of joined values.
func unflattenHeader(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
