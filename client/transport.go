package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harborview/realtime/wire"
)

// Frames is the client's view of an established live channel.
type Frames interface {
	// Read blocks for the next server frame.
	Read() (wire.ServerFrame, error)
	// Write sends a client frame. Safe for concurrent use.
	Write(f wire.ClientFrame) error
	Close() error
}

// Dialer establishes the live channel. The agent substitutes fakes in
// tests; production uses WebsocketDialer.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Frames, error)
}

// WebsocketDialer dials the live channel over a websocket, presenting the
// bearer credential on the upgrade request.
type WebsocketDialer struct{}

// Dial implements Dialer.
func (WebsocketDialer) Dial(ctx context.Context, url, token string) (Frames, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, &wire.TransientError{Err: err}
	}
	return &wsFrames{conn: conn}, nil
}

// wsFrames adapts a gorilla connection to Frames. Reads stay single-caller
// (the agent's read loop); writes are serialized here because joins and
// heartbeats come from different goroutines.
type wsFrames struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (f *wsFrames) Read() (wire.ServerFrame, error) {
	var frame wire.ServerFrame
	if err := f.conn.ReadJSON(&frame); err != nil {
		return wire.ServerFrame{}, err
	}
	return frame, nil
}

func (f *wsFrames) Write(frame wire.ClientFrame) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.conn.WriteJSON(frame)
}

func (f *wsFrames) Close() error {
	return f.conn.Close()
}
