// Package signal is the client side of the signaling transport: one
// websocket to the relay, JSON envelopes in both directions.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/protocol"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("transport closed")
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 54 * time.Second
	pongWait   = 60 * time.Second
	sendBuffer = 32
)

// Transport implements core.SignalTransport over one relay websocket.
// Receive's channel closes when the connection drops for any reason.
type Transport struct {
	conn *websocket.Conn
	send chan protocol.Envelope
	recv chan protocol.Envelope

	mu     sync.RWMutex
	closed bool
}

// Dial connects to the relay's signaling endpoint and starts the pumps.
func Dial(ctx context.Context, url string) (*Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		conn: conn,
		send: make(chan protocol.Envelope, sendBuffer),
		recv: make(chan protocol.Envelope, sendBuffer),
	}
	go t.writePump()
	go t.readPump()
	log.Info().Str("module", "signal").Str("url", url).Msg("connected to relay")
	return t, nil
}

// Send queues one envelope. A full queue means the relay connection is not
// draining; the caller decides what to do about it.
func (t *Transport) Send(env protocol.Envelope) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case t.send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

func (t *Transport) Receive() <-chan protocol.Envelope { return t.recv }

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.send)
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *Transport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-t.send:
			if !ok {
				_ = t.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("marshal envelope")
				continue
			}
			if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readPump() {
	defer func() {
		close(t.recv)
		_ = t.Close()
		log.Info().Str("module", "signal").Msg("readPump closing")
	}()
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad json from relay")
			continue
		}
		t.recv <- env
	}
}
