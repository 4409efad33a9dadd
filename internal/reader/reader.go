package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/coder/websocket"

	"github.com/matheuscscp/fetch-tunnel/internal/logging"
)

// Frame is one websocket message.
type Frame struct {
	Type websocket.MessageType
	Data []byte
}

// Decode unmarshals a text frame from JSON into v.
func (f *Frame) Decode(v any) error {
	if f.Type != websocket.MessageText {
		return fmt.Errorf("cannot decode %s frame as JSON", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

// ReadFrames starts a goroutine to read messages from the connection.
// The first channel returns the frames in arrival order, and is closed
// when the connection is closed or an error occurs.
// The second channel is closed at the same time as the first one,
// and can be used to detect when the goroutine has finished.
func ReadFrames(ctx context.Context, c *websocket.Conn) (<-chan *Frame, <-chan struct{}) {
	ch := make(chan *Frame)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		defer close(done)

		for {
			typ, r, err := c.Reader(ctx)
			if err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logging.FromContext(ctx).WithError(err).Debug("websocket reader stopped")
				}
				return
			}

			data, err := read(r)
			if err != nil {
				logging.FromContext(ctx).WithError(err).Error("error reading from websocket buffer")
				return
			}

			select {
			case <-ctx.Done():
				return
			case ch <- &Frame{Type: typ, Data: data}:
			}
		}
	}()

	return ch, done
}

func read(r io.Reader) ([]byte, error) {
	b := bpool.Get().(*bytes.Buffer)
	defer func() {
		b.Reset()
		bpool.Put(b)
	}()

	if _, err := b.ReadFrom(r); err != nil {
		return nil, err
	}

	return bytes.Clone(b.Bytes()), nil
}

var bpool = sync.Pool{
	New: func() any {
		return &bytes.Buffer{}
	},
}
