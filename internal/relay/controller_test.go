package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/signlink/signlink/internal/domain"
	"github.com/signlink/signlink/internal/protocol"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctl := NewController()
	r := gin.New()
	r.GET("/api/ws/signal", ctl.HandleSignal)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialRelay(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnv(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnv(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func register(t *testing.T, conn *websocket.Conn, id domain.Identity) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeRegister, "", protocol.RegisterPayload{Identity: id})
	if err != nil {
		t.Fatalf("register envelope: %v", err)
	}
	sendEnv(t, conn, env)
	if got := readEnv(t, conn); got.Type != protocol.TypeRegistrationSuccess {
		t.Fatalf("expected registration-success, got %s", got.Type)
	}
}

func TestRegistrationAndJoinBroadcast(t *testing.T) {
	srv := startRelay(t)
	a := dialRelay(t, srv)
	register(t, a, "alice")

	b := dialRelay(t, srv)
	register(t, b, "bob")

	// The earlier participant hears about the new one.
	joined := readEnv(t, a)
	if joined.Type != protocol.TypeUserJoined {
		t.Fatalf("expected user-joined, got %s", joined.Type)
	}
	var p protocol.RosterPayload
	if err := joined.Decode(&p); err != nil || p.User != "bob" {
		t.Fatalf("user-joined payload = %+v, %v", p, err)
	}
}

func TestDuplicateIdentityRefused(t *testing.T) {
	srv := startRelay(t)
	a := dialRelay(t, srv)
	register(t, a, "alice")

	b := dialRelay(t, srv)
	env, _ := protocol.NewEnvelope(protocol.TypeRegister, "", protocol.RegisterPayload{Identity: "alice"})
	sendEnv(t, b, env)
	if got := readEnv(t, b); got.Type != protocol.TypeRegistrationFailed {
		t.Fatalf("expected registration-failed, got %s", got.Type)
	}
}

func TestGetUsersReturnsRosterWithoutSelf(t *testing.T) {
	srv := startRelay(t)
	a := dialRelay(t, srv)
	register(t, a, "alice")
	b := dialRelay(t, srv)
	register(t, b, "bob")
	readEnv(t, a) // bob's user-joined

	sendEnv(t, b, protocol.Envelope{Type: protocol.TypeGetUsers})
	list := readEnv(t, b)
	if list.Type != protocol.TypeUserList {
		t.Fatalf("expected user-list, got %s", list.Type)
	}
	var p protocol.RosterPayload
	if err := list.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Users) != 1 || p.Users[0] != "alice" {
		t.Fatalf("roster = %v, want [alice]", p.Users)
	}
}

func TestForwardRewritesTypeAndStampsSender(t *testing.T) {
	srv := startRelay(t)
	a := dialRelay(t, srv)
	register(t, a, "alice")
	b := dialRelay(t, srv)
	register(t, b, "bob")
	readEnv(t, a) // bob's user-joined

	env, err := protocol.NewEnvelope(protocol.TypeInitiateCall, "bob", protocol.OfferPayload{
		Offer: protocol.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	sendEnv(t, a, env)

	got := readEnv(t, b)
	if got.Type != protocol.TypeIncomingCall {
		t.Fatalf("expected incoming-call, got %s", got.Type)
	}
	if got.From != "alice" || got.To != "" {
		t.Fatalf("relay must stamp the sender and clear the recipient: %+v", got)
	}
	var p protocol.OfferPayload
	if err := got.Decode(&p); err != nil || p.Offer.SDP != "v=0" {
		t.Fatalf("payload must pass through untouched: %+v, %v", p, err)
	}
}

func TestSendMessageDeliveredAsReceiveMessage(t *testing.T) {
	srv := startRelay(t)
	a := dialRelay(t, srv)
	register(t, a, "alice")
	b := dialRelay(t, srv)
	register(t, b, "bob")
	readEnv(t, a) // bob's user-joined

	env, _ := protocol.NewEnvelope(protocol.TypeSendMessage, "alice", protocol.TranscriptPayload{Text: "HELLO"})
	sendEnv(t, b, env)

	got := readEnv(t, a)
	if got.Type != protocol.TypeReceiveMessage || got.From != "bob" {
		t.Fatalf("expected receive-message from bob, got %+v", got)
	}
	var p protocol.TranscriptPayload
	if err := got.Decode(&p); err != nil || p.Text != "HELLO" {
		t.Fatalf("transcript payload = %+v, %v", p, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(got.Payload, &raw); err != nil {
		t.Fatalf("payload json: %v", err)
	}
	if _, ok := raw["message"]; !ok {
		t.Fatalf("transcript must ride the message field: %s", got.Payload)
	}
}

func TestUnknownRecipientEndsCall(t *testing.T) {
	srv := startRelay(t)
	a := dialRelay(t, srv)
	register(t, a, "alice")

	env, _ := protocol.NewEnvelope(protocol.TypeInitiateCall, "ghost", protocol.OfferPayload{
		Offer: protocol.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	sendEnv(t, a, env)

	got := readEnv(t, a)
	if got.Type != protocol.TypeCallEnded || got.From != "ghost" {
		t.Fatalf("expected call-ended from the missing peer, got %+v", got)
	}
}

func TestDisconnectBroadcastsUserLeft(t *testing.T) {
	srv := startRelay(t)
	a := dialRelay(t, srv)
	register(t, a, "alice")
	b := dialRelay(t, srv)
	register(t, b, "bob")
	readEnv(t, a) // bob's user-joined

	b.Close()

	left := readEnv(t, a)
	if left.Type != protocol.TypeUserLeft {
		t.Fatalf("expected user-left, got %s", left.Type)
	}
	var p protocol.RosterPayload
	if err := left.Decode(&p); err != nil || p.User != "bob" {
		t.Fatalf("user-left payload = %+v, %v", p, err)
	}
}

func TestMessagesBeforeRegistrationDropped(t *testing.T) {
	srv := startRelay(t)
	a := dialRelay(t, srv)
	register(t, a, "alice")

	anon := dialRelay(t, srv)
	env, _ := protocol.NewEnvelope(protocol.TypeInitiateCall, "alice", protocol.OfferPayload{
		Offer: protocol.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	sendEnv(t, anon, env)

	// Nothing must reach alice from the unregistered connection.
	if err := a.SetReadDeadline(time.Now().Add(300 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var got protocol.Envelope
	if err := a.ReadJSON(&got); err == nil {
		t.Fatalf("unregistered sender leaked a message: %+v", got)
	}
}

func TestGetUsersBeforeRegistrationDropped(t *testing.T) {
	srv := startRelay(t)
	a := dialRelay(t, srv)
	register(t, a, "alice")

	anon := dialRelay(t, srv)
	sendEnv(t, anon, protocol.Envelope{Type: protocol.TypeGetUsers})

	// The roster must not leak to an anonymous connection.
	if err := anon.SetReadDeadline(time.Now().Add(300 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var got protocol.Envelope
	if err := anon.ReadJSON(&got); err == nil {
		t.Fatalf("anonymous connection received the roster: %+v", got)
	}
}
