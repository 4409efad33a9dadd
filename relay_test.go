package fetchtunnel_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	. "github.com/onsi/gomega"

	fetchtunnel "github.com/matheuscscp/fetch-tunnel"
	"github.com/matheuscscp/fetch-tunnel/api"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// passThrough is a base transport that answers every request itself.
var passThrough = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusTeapot,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("base transport")),
		Request:    r,
	}, nil
})

func newRelay(g *WithT, upstream http.Handler, opts ...fetchtunnel.ServerOption) (*httptest.Server, *httptest.Server) {
	u := httptest.NewServer(upstream)
	h, err := fetchtunnel.NewServer(u.URL, opts...)
	g.Expect(err).NotTo(HaveOccurred())
	return u, httptest.NewServer(h)
}

func newClient(g *WithT, relay *httptest.Server, opts ...fetchtunnel.ClientOption) *fetchtunnel.Client {
	opts = append([]fetchtunnel.ClientOption{
		fetchtunnel.WithHTTPClient(relay.Client()),
		fetchtunnel.WithBaseTransport(passThrough),
		fetchtunnel.WithCredentials("include"),
	}, opts...)
	c, err := fetchtunnel.NewClient(relay.URL, opts...)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(c.Connect(context.Background())).To(Succeed())
	g.Eventually(c.ConnectionID).ShouldNot(BeEmpty())
	return c
}

func do(g *WithT, c *fetchtunnel.Client, method, url string, body io.Reader) (int, http.Header, string) {
	req, err := http.NewRequest(method, url, body)
	g.Expect(err).NotTo(HaveOccurred())
	resp, err := (&http.Client{Transport: c}).Do(req)
	g.Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	g.Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, resp.Header, string(b)
}

func TestRelayExampleScenario(t *testing.T) {
	g := NewWithT(t)

	var cookieSeen []string
	upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookieSeen = r.Header.Values("Cookie")
		g.Expect(r.URL.Path).To(Equal("/api/widgets"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count":3}`))
	}))
	defer upstream.Close()
	defer relay.Close()

	c := newClient(g, relay)
	defer c.Close()

	status, header, body := do(g, c, http.MethodGet, relay.URL+"/api/widgets", nil)
	g.Expect(status).To(Equal(http.StatusOK))
	g.Expect(header.Get("Content-Type")).To(Equal("application/json"))
	g.Expect(cookieSeen).To(BeEmpty())

	var parsed map[string]int
	g.Expect(json.Unmarshal([]byte(body), &parsed)).To(Succeed())
	g.Expect(parsed).To(Equal(map[string]int{"count": 3}))
}

func TestRelayRequestShape(t *testing.T) {
	type seen struct {
		method string
		uri    string
		header http.Header
		body   string
	}
	var (
		mu   sync.Mutex
		last seen
	)
	g := NewWithT(t)
	upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = seen{r.Method, r.RequestURI, r.Header.Clone(), string(b)}
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()
	defer relay.Close()

	c := newClient(g, relay)
	defer c.Close()

	for _, tt := range []struct {
		name   string
		method string
		path   string
		body   string
		header map[string]string
		want   seen
	}{
		{
			name:   "post carries body and headers",
			method: http.MethodPost,
			path:   "/api/orders",
			body:   `{"item":"soap"}`,
			header: map[string]string{"Content-Type": "application/json", "X-Trace": "1"},
			want:   seen{method: http.MethodPost, uri: "/api/orders", body: `{"item":"soap"}`},
		},
		{
			name:   "query string is kept",
			method: http.MethodDelete,
			path:   "/api/orders/7?force=true",
			want:   seen{method: http.MethodDelete, uri: "/api/orders/7?force=true"},
		},
		{
			name:   "lowercase method is uppercased",
			method: "patch",
			path:   "/api/orders/7",
			body:   "x",
			want:   seen{method: http.MethodPatch, uri: "/api/orders/7", body: "x"},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)

			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req, err := http.NewRequest(tt.method, relay.URL+tt.path, body)
			g.Expect(err).NotTo(HaveOccurred())
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}

			resp, err := c.Request(context.Background(), req)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			mu.Lock()
			defer mu.Unlock()
			g.Expect(last.method).To(Equal(tt.want.method))
			g.Expect(last.uri).To(Equal(tt.want.uri))
			g.Expect(last.body).To(Equal(tt.want.body))
			for k, v := range tt.header {
				g.Expect(last.header.Get(k)).To(Equal(v))
			}
		})
	}
}

func TestRelayGetCarriesNoBody(t *testing.T) {
	g := NewWithT(t)

	upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%d", len(b))
	}))
	defer upstream.Close()
	defer relay.Close()

	c := newClient(g, relay)
	defer c.Close()

	// The relay drops bodies of GET requests.
	req, err := http.NewRequest(http.MethodGet, relay.URL+"/api/widgets", strings.NewReader("ignored"))
	g.Expect(err).NotTo(HaveOccurred())
	resp, err := c.Request(context.Background(), req)
	g.Expect(err).NotTo(HaveOccurred())
	b, err := io.ReadAll(resp.Body)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(b)).To(Equal("0"))
}

func TestRelayCookieLifecycle(t *testing.T) {
	g := NewWithT(t)

	var (
		mu     sync.Mutex
		cookie = map[string][]string{}
	)
	upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cookie[r.URL.Path] = r.Header.Values("Cookie")
		mu.Unlock()
		switch r.URL.Path {
		case api.PathSignIn:
			if r.URL.Query().Get("fail") != "" {
				w.Header().Set("Set-Cookie", "session=bad")
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Set-Cookie", "session=abc")
		case api.PathSignOut:
			if r.URL.Query().Get("fail") != "" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
	}))
	defer upstream.Close()
	defer relay.Close()

	seen := func(path string) []string {
		mu.Lock()
		defer mu.Unlock()
		return cookie[path]
	}

	c := newClient(g, relay)
	defer c.Close()

	call := func(method, path string) int {
		req, err := http.NewRequest(method, relay.URL+path, nil)
		g.Expect(err).NotTo(HaveOccurred())
		resp, err := c.Request(context.Background(), req)
		g.Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode
	}

	g.Expect(call(http.MethodGet, "/api/me")).To(Equal(http.StatusOK))
	g.Expect(seen("/api/me")).To(BeEmpty())

	g.Expect(call(http.MethodPost, api.PathSignIn)).To(Equal(http.StatusOK))
	g.Expect(seen(api.PathSignIn)).To(BeEmpty())

	g.Expect(call(http.MethodGet, "/api/me")).To(Equal(http.StatusOK))
	g.Expect(seen("/api/me")).To(Equal([]string{"session=abc"}))

	// Stored credentials are never replayed into the sign-in call.
	g.Expect(call(http.MethodPost, api.PathSignIn)).To(Equal(http.StatusOK))
	g.Expect(seen(api.PathSignIn)).To(BeEmpty())

	// A failed sign-in leaves the cookie alone.
	g.Expect(call(http.MethodPost, api.PathSignIn+"?fail=1")).To(Equal(http.StatusUnauthorized))
	g.Expect(call(http.MethodGet, "/api/me")).To(Equal(http.StatusOK))
	g.Expect(seen("/api/me")).To(Equal([]string{"session=abc"}))

	// Only API paths get the cookie.
	g.Expect(call(http.MethodGet, "/health")).To(Equal(http.StatusOK))
	g.Expect(seen("/health")).To(BeEmpty())

	// Cookies are per connection.
	other := newClient(g, relay)
	defer other.Close()
	req, err := http.NewRequest(http.MethodGet, relay.URL+"/api/other", nil)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = other.Request(context.Background(), req)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(seen("/api/other")).To(BeEmpty())

	// A failed sign-out leaves the cookie alone, a successful one clears it.
	g.Expect(call(http.MethodPost, api.PathSignOut+"?fail=1")).To(Equal(http.StatusInternalServerError))
	g.Expect(seen(api.PathSignOut)).To(Equal([]string{"session=abc"}))
	g.Expect(call(http.MethodPost, api.PathSignOut)).To(Equal(http.StatusOK))
	g.Expect(call(http.MethodGet, "/api/me")).To(Equal(http.StatusOK))
	g.Expect(seen("/api/me")).To(BeEmpty())
}

func TestRelayCorrelatesOutOfOrderResponses(t *testing.T) {
	g := NewWithT(t)

	const n = 8
	upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var i int
		fmt.Sscanf(r.URL.Path, "/api/items/%d", &i)
		// Earlier requests answer later.
		time.Sleep(time.Duration(n-i) * 20 * time.Millisecond)
		w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()
	defer relay.Close()

	c := newClient(g, relay)
	defer c.Close()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		order []int
		got   = make([]string, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/items/%d", relay.URL, i), nil)
			resp, err := c.Request(context.Background(), req)
			if err != nil {
				got[i] = err.Error()
				return
			}
			b, _ := io.ReadAll(resp.Body)
			got[i] = string(b)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		g.Expect(got[i]).To(Equal(fmt.Sprintf("/api/items/%d", i)))
	}
	g.Expect(order).To(HaveLen(n))
	g.Expect(order[0]).NotTo(Equal(0))
}

func TestRelayUpstreamFailure(t *testing.T) {
	g := NewWithT(t)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	h, err := fetchtunnel.NewServer(deadURL)
	g.Expect(err).NotTo(HaveOccurred())
	relay := httptest.NewServer(h)
	defer relay.Close()

	c := newClient(g, relay)
	defer c.Close()

	status, _, body := do(g, c, http.MethodGet, relay.URL+"/api/widgets", nil)
	g.Expect(status).To(Equal(http.StatusInternalServerError))
	g.Expect(body).To(ContainSubstring("connect"))
}

func TestRelayRequestTimeout(t *testing.T) {
	g := NewWithT(t)

	upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()
	defer relay.Close()

	c := newClient(g, relay, fetchtunnel.WithConfig(api.Config{RequestTimeout: 200}))
	defer c.Close()

	req, err := http.NewRequest(http.MethodGet, relay.URL+"/api/slow", nil)
	g.Expect(err).NotTo(HaveOccurred())

	start := time.Now()
	_, err = c.Request(context.Background(), req)
	elapsed := time.Since(start)
	g.Expect(err).To(MatchError(fetchtunnel.ErrRequestTimeout))
	g.Expect(err.Error()).To(Equal("Request timeout"))
	g.Expect(elapsed).To(BeNumerically(">=", 200*time.Millisecond))
	g.Expect(elapsed).To(BeNumerically("<", 2*time.Second))
}

func TestClientConnectionTimeout(t *testing.T) {
	g := NewWithT(t)

	// Accepts TCP connections but never answers the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	g.Expect(err).NotTo(HaveOccurred())
	defer ln.Close()
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	c, err := fetchtunnel.NewClient("http://"+ln.Addr().String(),
		fetchtunnel.WithConfig(api.Config{WebSocketOpeningTimeout: 200}))
	g.Expect(err).NotTo(HaveOccurred())
	defer c.Close()

	start := time.Now()
	err = c.Connect(context.Background())
	g.Expect(err).To(MatchError(fetchtunnel.ErrConnectionTimeout))
	g.Expect(err.Error()).To(Equal("Connection timeout"))
	g.Expect(time.Since(start)).To(BeNumerically(">=", 200*time.Millisecond))
	g.Expect(c.IsOpen()).To(BeFalse())
}

func TestRelayMainScript(t *testing.T) {
	script := bytes.Repeat([]byte("console.log('main');\n"), 4096)

	for _, tt := range []struct {
		name   string
		mode   api.ScriptRequests
		status int
	}{
		{name: "as array buffer", mode: api.MainJsAsArrayBufferMode, status: http.StatusOK},
		{name: "as string", mode: api.MainJsAsString, status: http.StatusOK},
		{name: "excluded", mode: api.ExcludeMainJs, status: http.StatusTeapot},
	} {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)

			upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				g.Expect(r.URL.Path).To(Equal(api.PathMainScript))
				w.Header().Set("Content-Type", "text/javascript")
				w.Write(script)
			}))
			defer upstream.Close()
			defer relay.Close()

			c := newClient(g, relay, fetchtunnel.WithConfig(api.Config{InterceptScriptRequests: tt.mode}))
			defer c.Close()

			status, header, body := do(g, c, http.MethodGet, relay.URL+api.PathMainScript, nil)
			g.Expect(status).To(Equal(tt.status))
			if tt.status == http.StatusOK {
				g.Expect(header.Get("Content-Type")).To(Equal("text/javascript"))
				g.Expect(body).To(Equal(string(script)))
			}
		})
	}
}

func TestRelayBinaryFastPathIsExclusive(t *testing.T) {
	g := NewWithT(t)

	hit := make(chan struct{}, 10)
	release := make(chan struct{})
	upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Write([]byte("main"))
	}))
	defer upstream.Close()
	defer relay.Close()
	defer close(release)

	c := newClient(g, relay)
	defer c.Close()

	newReq := func() *http.Request {
		req, err := http.NewRequest(http.MethodGet, relay.URL+api.PathMainScript, nil)
		g.Expect(err).NotTo(HaveOccurred())
		return req
	}

	type outcome struct {
		data []byte
		err  error
	}
	first := make(chan outcome, 1)
	firstReq := newReq()
	go func() {
		data, err := c.RequestMainJsAsArrayBuffer(context.Background(), firstReq)
		first <- outcome{data, err}
	}()
	g.Eventually(hit).Should(Receive())

	// The second caller is refused instead of stealing the first one's slot.
	_, err := c.RequestMainJsAsArrayBuffer(context.Background(), newReq())
	g.Expect(err).To(MatchError(fetchtunnel.ErrBinaryRequestInFlight))

	release <- struct{}{}
	var o outcome
	g.Eventually(first).Should(Receive(&o))
	g.Expect(o.err).NotTo(HaveOccurred())
	g.Expect(string(o.data)).To(Equal("main"))

	// The slot is free again.
	second := make(chan outcome, 1)
	secondReq := newReq()
	go func() {
		data, err := c.RequestMainJsAsArrayBuffer(context.Background(), secondReq)
		second <- outcome{data, err}
	}()
	g.Eventually(hit).Should(Receive())
	release <- struct{}{}
	g.Eventually(second).Should(Receive(&o))
	g.Expect(o.err).NotTo(HaveOccurred())
	g.Expect(string(o.data)).To(Equal("main"))
}

func TestClientPassThrough(t *testing.T) {
	g := NewWithT(t)

	upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("relayed"))
	}))
	defer upstream.Close()
	defer relay.Close()

	c := newClient(g, relay, fetchtunnel.WithConfig(api.Config{InterceptAPICalls: api.ExcludeAuthCalls}))
	defer c.Close()

	for _, tt := range []struct {
		name     string
		url      string
		expected string
	}{
		{name: "api call", url: relay.URL + "/api/widgets", expected: "relayed"},
		{name: "cross origin", url: "http://example.invalid/api/widgets", expected: "base transport"},
		{name: "tunnel path", url: relay.URL + "/ws/api/widgets", expected: "base transport"},
		{name: "auth call excluded", url: relay.URL + api.PathSignIn, expected: "base transport"},
		{name: "page", url: relay.URL + "/orders", expected: "base transport"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			_, _, body := do(g, c, http.MethodGet, tt.url, nil)
			g.Expect(body).To(Equal(tt.expected))
		})
	}
}

func TestClientPassesThroughWhileDown(t *testing.T) {
	g := NewWithT(t)

	c, err := fetchtunnel.NewClient("http://127.0.0.1:1", fetchtunnel.WithBaseTransport(passThrough))
	g.Expect(err).NotTo(HaveOccurred())
	defer c.Close()

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/api/widgets", nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(c.Classify(req)).To(Equal(fetchtunnel.PassThrough))

	_, _, body := do(g, c, http.MethodGet, "http://127.0.0.1:1/api/widgets", nil)
	g.Expect(body).To(Equal("base transport"))
}

func TestRelayTruncatedUpstreamBody(t *testing.T) {
	g := NewWithT(t)

	upstream, relay := newRelay(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declares more than it sends, so reading the body fails.
		w.Header().Set("Content-Length", "100")
		w.Header().Set("X-Widget", "1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(relay.URL, "http")+api.PathPrefixTunnel, nil)
	g.Expect(err).NotTo(HaveOccurred())
	defer conn.CloseNow()

	var notification api.ConnectedNotification
	g.Expect(wsjson.Read(ctx, conn, &notification)).To(Succeed())
	g.Expect(notification.Type).To(Equal(api.TypeConnectedNotification))

	g.Expect(wsjson.Write(ctx, conn, &api.Request{
		RequestID: "truncated",
		PathName:  "/api/widgets",
		Method:    http.MethodGet,
		Headers:   map[string]string{},
	})).To(Succeed())

	var raw map[string]json.RawMessage
	g.Expect(wsjson.Read(ctx, conn, &raw)).To(Succeed())
	g.Expect(raw).NotTo(HaveKey("body"))

	var resp api.Response
	b, err := json.Marshal(raw)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(json.Unmarshal(b, &resp)).To(Succeed())
	g.Expect(resp.RequestID).To(Equal("truncated"))
	g.Expect(resp.Status).To(Equal(http.StatusCreated))
	g.Expect(resp.Headers).To(HaveKeyWithValue("X-Widget", "1"))
	g.Expect(resp.Body).To(BeNil())
}
