package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/jpillora/requestlog"
	"github.com/sirupsen/logrus"

	fetchtunnel "github.com/matheuscscp/fetch-tunnel"
	"github.com/matheuscscp/fetch-tunnel/api"
	"github.com/matheuscscp/fetch-tunnel/internal/logging"
)

type globalOptions struct {
	Debug bool `short:"d" long:"debug" description:"Log at debug level"`
}

type relayCommand struct {
	global *globalOptions

	Addr            string   `short:"a" long:"addr" description:"Listen address" default:":3001"`
	Upstream        string   `short:"u" long:"upstream" description:"Origin relayed requests are sent to" default:"http://localhost:8080"`
	AllowIdentities []string `long:"allow-identity" description:"OIDC identity allowed to open tunnels, as issuer|clientID|subject (repeatable)"`
	OriginPatterns  []string `long:"allow-origin" description:"Browser origin pattern allowed to open tunnels (repeatable)"`
}

type fetchCommand struct {
	global *globalOptions

	Origin         string        `short:"o" long:"origin" description:"Origin the tunnel serves" default:"http://localhost:3001"`
	Method         string        `short:"X" long:"method" description:"HTTP method" default:"GET"`
	Data           string        `long:"data" description:"Request body"`
	Headers        []string      `short:"H" long:"header" description:"Request header as 'Name: value' (repeatable)"`
	IDToken        string        `long:"id-token" description:"ID token presented to the relay" env:"FETCH_TUNNEL_ID_TOKEN"`
	Credentials    string        `long:"credentials" description:"Credentials mode carried by the request" default:"include"`
	APICalls       string        `long:"intercept-api-calls" description:"API call interception" choice:"IncludeAuthCalls" choice:"ExcludeAuthCalls" choice:"false" default:"IncludeAuthCalls"`
	ScriptRequests string        `long:"intercept-script-requests" description:"Main script interception" choice:"MainJsAsArrayBuffer" choice:"MainJsAsString" choice:"ExcludeMainJs" choice:"false" default:"ExcludeMainJs"`
	OpeningTimeout time.Duration `long:"opening-timeout" description:"Tunnel opening timeout" default:"5s"`
	RequestTimeout time.Duration `long:"request-timeout" description:"Relayed request timeout" default:"15s"`

	Args struct {
		Path string `positional-arg-name:"PATH" description:"Path to fetch, e.g. /api/widgets"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	var global globalOptions
	parser := flags.NewParser(&global, flags.Default)
	parser.LongDescription = "Relays HTTP requests from a browser-side client over a websocket tunnel."

	if _, err := parser.AddCommand("relay", "Run the relay server",
		"Accept tunnels and perform relayed requests against the upstream origin.",
		&relayCommand{global: &global}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("fetch", "Fetch a path through a tunnel",
		"Open a tunnel to the relay and perform one request through it.",
		&fetchCommand{global: &global}); err != nil {
		panic(err)
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func newLogger(global *globalOptions) *logrus.Logger {
	return logging.New(os.Stderr, global.Debug)
}

func (cmd *relayCommand) Execute(args []string) error {
	l := newLogger(cmd.global)

	var opts []fetchtunnel.ServerOption
	opts = append(opts, fetchtunnel.WithColor(logging.IsTerminal(os.Stderr)))
	for _, s := range cmd.AllowIdentities {
		id, err := fetchtunnel.ParseIdentity(s)
		if err != nil {
			return err
		}
		opts = append(opts, fetchtunnel.WithAllowedIdentities(*id))
	}
	if len(cmd.OriginPatterns) > 0 {
		opts = append(opts, fetchtunnel.WithOriginPatterns(cmd.OriginPatterns...))
	}

	relay, err := fetchtunnel.NewServer(cmd.Upstream, opts...)
	if err != nil {
		return err
	}
	h := http.Handler(relay)
	if cmd.global.Debug {
		h = requestlog.Wrap(h)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.IntoContext(ctx, l)

	s := &http.Server{
		Addr:    cmd.Addr,
		Handler: h,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe()
	}()
	l.WithFields(logrus.Fields{
		"addr":     cmd.Addr,
		"upstream": cmd.Upstream,
	}).Info("relay server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server failed: %w", err)
	case <-ctx.Done():
	}

	l.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (cmd *fetchCommand) Execute(args []string) error {
	l := newLogger(cmd.global)

	apiCalls := api.APICalls(cmd.APICalls)
	scriptRequests := api.ScriptRequests(cmd.ScriptRequests)
	c, err := fetchtunnel.NewClient(cmd.Origin,
		fetchtunnel.WithLogger(l),
		fetchtunnel.WithIDToken(cmd.IDToken),
		fetchtunnel.WithCredentials(cmd.Credentials),
		fetchtunnel.WithConfig(api.Config{
			InterceptAPICalls:       apiCalls,
			InterceptScriptRequests: scriptRequests,
			WebSocketOpeningTimeout: cmd.OpeningTimeout.Milliseconds(),
			RequestTimeout:          cmd.RequestTimeout.Milliseconds(),
		}))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to open tunnel: %w", err)
	}

	var body io.Reader
	if cmd.Data != "" {
		body = strings.NewReader(cmd.Data)
	}
	req, err := http.NewRequestWithContext(ctx, cmd.Method, strings.TrimSuffix(cmd.Origin, "/")+cmd.Args.Path, body)
	if err != nil {
		return err
	}
	for _, h := range cmd.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("header must have the form 'Name: value', got %q", h)
		}
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	l.WithFields(logrus.Fields{
		"path":        req.URL.RequestURI(),
		"disposition": c.Classify(req).String(),
	}).Debug("sending request")

	resp, err := (&http.Client{Transport: c}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Fprintf(os.Stderr, "%s\n", logging.NewStyler(logging.IsTerminal(os.Stderr)).Status(resp.StatusCode))
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
