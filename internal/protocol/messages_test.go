package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeCarriesRoutingFields(t *testing.T) {
	env, err := NewEnvelope(TypeInitiateCall, "bob@example.com", OfferPayload{
		Offer: SessionDescription{Type: "offer", SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeInitiateCall || got.To != "bob@example.com" {
		t.Fatalf("routing fields lost: %+v", got)
	}

	var p OfferPayload
	if err := got.Decode(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Offer.SDP != "v=0" {
		t.Fatalf("payload lost: %+v", p)
	}
}

func TestNilPayloadOmitted(t *testing.T) {
	env, err := NewEnvelope(TypeEndCall, "bob@example.com", nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := raw["payload"]; present {
		t.Fatalf("nil payload must not serialize a payload field: %s", data)
	}
	if err := env.Decode(&struct{}{}); err == nil {
		t.Fatalf("decoding an empty payload must error")
	}
}

func TestCandidatePreservesNilFields(t *testing.T) {
	// A browser end-of-candidates marker carries null sdpMid/sdpMLineIndex;
	// those must survive the pion round trip as nil, not zero values.
	var c Candidate
	if err := json.Unmarshal([]byte(`{"candidate":""}`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pion := c.ToPion()
	if pion.SDPMid != nil || pion.SDPMLineIndex != nil {
		t.Fatalf("nil fields materialized: %+v", pion)
	}

	mid := "0"
	idx := uint16(1)
	c2 := Candidate{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx}
	back := CandidateFromPion(c2.ToPion())
	if back.SDPMid == nil || *back.SDPMid != "0" || back.SDPMLineIndex == nil || *back.SDPMLineIndex != 1 {
		t.Fatalf("set fields lost: %+v", back)
	}
}

func TestSessionDescriptionMatchesBrowserShape(t *testing.T) {
	data, err := json.Marshal(SessionDescription{Type: "offer", SDP: "v=0"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"offer","sdp":"v=0"}`
	if string(data) != want {
		t.Fatalf("wire shape = %s, want %s", data, want)
	}

	pion := SessionDescription{Type: "answer", SDP: "x"}.ToPion()
	if pion.Type.String() != "answer" {
		t.Fatalf("sdp type mapping broken: %v", pion.Type)
	}
}
