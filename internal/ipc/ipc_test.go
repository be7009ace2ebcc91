package ipc

import (
	"bytes"
	"strings"
	"testing"
)

func TestDecodeLineState(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"state":"alive"}`))
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if msg.Kind != KindState || msg.State != StateAlive {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestDecodeLineStateWithTo(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"state":"moved","to":"new.example"}`))
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if msg.Kind != KindState || msg.State != StateMoved || msg.To != "new.example" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestDecodeLineMovingOrMovedWithoutToIsRejected(t *testing.T) {
	for _, line := range []string{`{"state":"moving"}`, `{"state":"moved"}`} {
		if _, err := DecodeLine([]byte(line)); err == nil {
			t.Errorf("DecodeLine(%q) expected an error for missing \"to\"", line)
		}
	}
}

func TestDecodeLinePeer(t *testing.T) {
	msg, err := DecodeLine([]byte(`{"peer":"friend.example"}`))
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if msg.Kind != KindPeer || msg.Peer != "friend.example" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestDecodeLineRejectsUnknownState(t *testing.T) {
	if _, err := DecodeLine([]byte(`{"state":"zombified"}`)); err == nil {
		t.Fatal("expected an error for an unknown state")
	}
}

func TestDecodeLineRejectsBothStateAndPeer(t *testing.T) {
	if _, err := DecodeLine([]byte(`{"state":"alive","peer":"x.example"}`)); err == nil {
		t.Fatal("expected an error when both state and peer are set")
	}
}

func TestDecodeLineRejectsNeitherStateNorPeer(t *testing.T) {
	if _, err := DecodeLine([]byte(`{}`)); err == nil {
		t.Fatal("expected an error when neither state nor peer is set")
	}
}

func TestDecodeLineRejectsGarbage(t *testing.T) {
	if _, err := DecodeLine([]byte(`not json`)); err == nil {
		t.Fatal("expected a JSON decode error")
	}
}

func TestEncoderRoundTripsState(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EmitState(StateAlive, ""); err != nil {
		t.Fatalf("EmitState: %v", err)
	}
	if err := enc.EmitState(StateMoved, "new.example"); err != nil {
		t.Fatalf("EmitState: %v", err)
	}

	sc := LineReader(&buf)
	if !sc.Scan() {
		t.Fatal("expected a first line")
	}
	first, err := DecodeLine(sc.Bytes())
	if err != nil || first.State != StateAlive {
		t.Fatalf("first = %+v, err=%v", first, err)
	}
	if !sc.Scan() {
		t.Fatal("expected a second line")
	}
	second, err := DecodeLine(sc.Bytes())
	if err != nil || second.State != StateMoved || second.To != "new.example" {
		t.Fatalf("second = %+v, err=%v", second, err)
	}
}

func TestEncoderRoundTripsPeer(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EmitPeer("friend.example"); err != nil {
		t.Fatalf("EmitPeer: %v", err)
	}
	line := strings.TrimSpace(buf.String())
	msg, err := DecodeLine([]byte(line))
	if err != nil || msg.Kind != KindPeer || msg.Peer != "friend.example" {
		t.Fatalf("msg = %+v, err=%v", msg, err)
	}
}
