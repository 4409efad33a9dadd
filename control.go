package fetchtunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/matheuscscp/fetch-tunnel/api"
	"github.com/matheuscscp/fetch-tunnel/internal/logging"
)

var ErrUnknownControlMessage = errors.New("unknown control message")

// HandleControlMessage applies a control message and returns its reply:
// the configuration for getConfig and changeConfig, nothing for resetWsConnection.
func (c *Client) HandleControlMessage(ctx context.Context, msg *api.ControlMessage) (any, error) {
	switch msg.Type {
	case api.TypeGetConfig:
		return c.Config(), nil
	case api.TypeChangeConfig:
		var cfg api.Config
		if msg.Config != nil {
			cfg = *msg.Config
		}
		return c.SetConfig(cfg), nil
	case api.TypeResetWsConnection:
		if err := c.Reset(ctx); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownControlMessage, msg.Type)
	}
}

// ControlHandler serves control messages POSTed as JSON and replies with JSON.
func (c *Client) ControlHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logging.FromContext(r.Context()).WithField("handler", "control")

		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		var msg api.ControlMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, fmt.Sprintf("failed to decode control message: %v", err), http.StatusBadRequest)
			return
		}
		l = l.WithField("type", msg.Type)

		reply, err := c.HandleControlMessage(r.Context(), &msg)
		switch {
		case errors.Is(err, ErrUnknownControlMessage):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			l.WithError(err).Error("failed to handle control message")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reply); err != nil {
			l.WithError(err).Error("failed to write control reply")
		}
	})
}
