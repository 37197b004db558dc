// Package relay is the signaling relay: it registers identities, keeps the
// roster, and forwards addressed envelopes between participants. It never
// inspects payloads.
package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/domain"
	"github.com/signlink/signlink/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

const (
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns the websocket endpoint.
type Controller struct {
	Registry *Registry
}

func NewController() *Controller {
	return &Controller{Registry: NewRegistry()}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades one client connection and pumps it.
func (ctl *Controller) HandleSignal(c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "relay").Str("token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, sendBuffer),
	}
	go ctl.writePump(conn)
	ctl.readPump(conn)
}

func (ctl *Controller) writePump(c *wsConn) {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
			return
		}
	}
}

func (ctl *Controller) readPump(c *wsConn) {
	var identity domain.Identity
	defer func() {
		c.Close()
		if identity != "" {
			ctl.Registry.Unregister(identity, c)
			ctl.broadcast(identity, protocol.TypeUserLeft, protocol.RosterPayload{User: identity})
		}
		log.Info().Str("module", "relay").Str("identity", string(identity)).Msg("readPump closing")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "relay").Msg("readPump read error")
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("bad json")
			continue
		}
		identity = ctl.handleEnvelope(identity, c, env)
	}
}

// handleEnvelope processes one message and returns the connection's
// identity, which changes only on successful registration.
func (ctl *Controller) handleEnvelope(identity domain.Identity, c *wsConn, env protocol.Envelope) domain.Identity {
	switch env.Type {
	case protocol.TypeRegister:
		return ctl.handleRegister(identity, c, env)
	case protocol.TypeGetUsers:
		if identity == "" {
			log.Warn().Str("module", "relay").Msg("get-users before registration dropped")
			return identity
		}
		ctl.sendEnvelope(c, protocol.Envelope{Type: protocol.TypeUserList}, protocol.RosterPayload{
			Users: ctl.Registry.Identities(identity),
		})
		return identity
	default:
		ctl.forward(identity, c, env)
		return identity
	}
}

func (ctl *Controller) handleRegister(identity domain.Identity, c *wsConn, env protocol.Envelope) domain.Identity {
	if identity != "" {
		// Connections register once; repeats are refused.
		ctl.sendEnvelope(c, protocol.Envelope{Type: protocol.TypeRegistrationFailed}, nil)
		return identity
	}
	var p protocol.RegisterPayload
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad register payload")
		ctl.sendEnvelope(c, protocol.Envelope{Type: protocol.TypeRegistrationFailed}, nil)
		return identity
	}
	id, err := domain.NewIdentity(string(p.Identity))
	if err == nil {
		err = ctl.Registry.Register(id, c)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("identity", string(p.Identity)).Msg("registration refused")
		ctl.sendEnvelope(c, protocol.Envelope{Type: protocol.TypeRegistrationFailed}, nil)
		return identity
	}
	ctl.sendEnvelope(c, protocol.Envelope{Type: protocol.TypeRegistrationSuccess}, nil)
	ctl.broadcast(id, protocol.TypeUserJoined, protocol.RosterPayload{User: id})
	return id
}

// forwardType rewrites sender-side message types to their receiver-side
// counterparts; everything else forwards under its own name.
func forwardType(t protocol.Type) protocol.Type {
	switch t {
	case protocol.TypeInitiateCall:
		return protocol.TypeIncomingCall
	case protocol.TypeAcceptCall:
		return protocol.TypeCallAccepted
	case protocol.TypeEndCall:
		return protocol.TypeCallEnded
	case protocol.TypeSendMessage:
		return protocol.TypeReceiveMessage
	default:
		return t
	}
}

func (ctl *Controller) forward(identity domain.Identity, c *wsConn, env protocol.Envelope) {
	if identity == "" {
		log.Warn().Str("module", "relay").Str("type", string(env.Type)).Msg("message before registration dropped")
		return
	}
	if env.To == "" {
		log.Warn().Str("module", "relay").Str("type", string(env.Type)).Msg("unroutable message dropped")
		return
	}
	dest, ok := ctl.Registry.Get(env.To)
	if !ok {
		// Unreachable peer: tell the sender the call is over rather than
		// leaving a session dangling.
		log.Info().Str("module", "relay").
			Str("from", string(identity)).
			Str("to", string(env.To)).
			Msg("recipient not registered")
		ctl.sendEnvelope(c, protocol.Envelope{Type: protocol.TypeCallEnded, From: env.To}, nil)
		return
	}
	out := env
	out.Type = forwardType(env.Type)
	out.From = identity
	out.To = ""
	ctl.sendJSON(dest, out)
}

func (ctl *Controller) broadcast(from domain.Identity, t protocol.Type, payload any) {
	ctl.Registry.Each(from, func(id domain.Identity, s Sender) {
		ctl.sendEnvelope(s, protocol.Envelope{Type: t}, payload)
	})
}

func (ctl *Controller) sendEnvelope(s Sender, env protocol.Envelope, payload any) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("marshal payload")
			return
		}
		env.Payload = raw
	}
	ctl.sendJSON(s, env)
}

func (ctl *Controller) sendJSON(s Sender, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("sendJSON marshal")
		return
	}
	if err := s.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("send dropped")
	}
}
