package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `hello`, ErrMalformed},
		{"json array", `[1,2]`, ErrMalformed},
		{"missing type", `{"mac":"AA"}`, ErrMalformed},
		{"unknown type", `{"type":"shutdown"}`, ErrUnknownType},
		{"auth without apiKey", `{"type":"auth","mac":"AA:BB"}`, ErrInvalidMessage},
		{"auth without mac", `{"type":"auth","apiKey":"k"}`, ErrInvalidMessage},
		{"auth with numeric key", `{"type":"auth","apiKey":12,"mac":"AA"}`, ErrInvalidMessage},
		{"connect without username", `{"type":"connect","mac":"AA"}`, ErrInvalidMessage},
		{"empty input", `{"type":"input","data":""}`, ErrInvalidMessage},
		{"zero resize", `{"type":"resize","cols":0,"rows":24}`, ErrInvalidMessage},
		{"ssh-data without session", `{"type":"ssh-data","data":"YQ=="}`, ErrInvalidMessage},
		{"ssh-close without session", `{"type":"ssh-close"}`, ErrInvalidMessage},
		{"ssh-resize without session", `{"type":"ssh-resize","cols":80,"rows":24}`, ErrInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got msg=%v err=%v", tt.want, msg, err)
			}
		})
	}
}

func TestDecodeVariants(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"auth","apiKey":"secret","mac":"aa:bb:cc:dd:ee:ff"}`))
	if err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	auth, ok := msg.(Auth)
	if !ok || auth.APIKey != "secret" || auth.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("unexpected auth: %#v", msg)
	}

	msg, err = Decode([]byte(`{"type":"ssh-start","sessionId":"s1","username":"root"}`))
	if err != nil {
		t.Fatalf("ssh-start without key should decode: %v", err)
	}
	if start := msg.(SSHStart); start.PrivateKey != "" || start.Username != "root" {
		t.Errorf("unexpected ssh-start: %#v", start)
	}

	msg, err = Decode([]byte(`{"type":"resize","cols":120,"rows":40}`))
	if err != nil {
		t.Fatalf("decode resize: %v", err)
	}
	if r := msg.(Resize); r.Cols != 120 || r.Rows != 40 {
		t.Errorf("unexpected resize: %#v", r)
	}

	msg, err = Decode([]byte(`{"type":"auth-ok"}`))
	if err != nil || msg.MessageType() != TypeAuthOK {
		t.Errorf("decode auth-ok: %v %v", msg, err)
	}
}

func TestEncodeInjectsType(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"empty body", AuthOK{}, `{"type":"auth-ok"}`},
		{"error", Error{Message: "Node agent is not connected"}, `{"type":"error","message":"Node agent is not connected"}`},
		{"error without message", Error{}, `{"type":"error"}`},
		{"ssh-data", SSHData{SessionID: "s1", Data: "bHMK"}, `{"type":"ssh-data","sessionId":"s1","data":"bHMK"}`},
		{"ssh-resize", SSHResize{SessionID: "s1", Cols: 80, Rows: 24}, `{"type":"ssh-resize","sessionId":"s1","cols":80,"rows":24}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if !json.Valid(got) {
				t.Errorf("encoded frame is not valid JSON: %s", got)
			}
		})
	}
}

func TestDecodeDataRejectsGarbage(t *testing.T) {
	if _, err := DecodeData("not base64!"); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
	b, err := DecodeData(EncodeData([]byte("ls\n")))
	if err != nil || string(b) != "ls\n" {
		t.Errorf("round trip failed: %q %v", b, err)
	}
}

func TestCanonicalNodeID(t *testing.T) {
	if got := CanonicalNodeID(" aa:bb:cc:dd:ee:ff "); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("unexpected canonical id %q", got)
	}
}
