package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when a frame is not a JSON object with a
	// string "type" field.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownType is returned for a well-formed frame of an unknown kind.
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidMessage is returned when a known frame kind is missing a
	// required field or carries a field of the wrong shape.
	ErrInvalidMessage = errors.New("invalid message")
)

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a single frame into its typed variant. Each variant's
// required fields are checked; a frame that fails the check is rejected as
// a whole rather than returned half-filled.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch env.Type {
	case TypeAuth:
		return decodeInto[Auth](raw, func(m Auth) error {
			return require("apiKey", m.APIKey, "mac", m.MAC)
		})
	case TypeAuthOK:
		return AuthOK{}, nil
	case TypeAuthFail:
		return AuthFail{}, nil
	case TypeConnect:
		return decodeInto[Connect](raw, func(m Connect) error {
			return require("mac", m.MAC, "username", m.Username)
		})
	case TypeSSHStart:
		return decodeInto[SSHStart](raw, func(m SSHStart) error {
			return require("sessionId", m.SessionID, "username", m.Username)
		})
	case TypeSSHReady:
		return decodeInto[SSHReady](raw, func(m SSHReady) error {
			return require("sessionId", m.SessionID)
		})
	case TypeConnected:
		return Connected{}, nil
	case TypeInput:
		return decodeInto[Input](raw, func(m Input) error {
			return require("data", m.Data)
		})
	case TypeSSHData:
		return decodeInto[SSHData](raw, func(m SSHData) error {
			return require("sessionId", m.SessionID, "data", m.Data)
		})
	case TypeOutput:
		return decodeInto[Output](raw, nil)
	case TypeResize:
		return decodeInto[Resize](raw, func(m Resize) error {
			return requireDims(m.Cols, m.Rows)
		})
	case TypeSSHResize:
		return decodeInto[SSHResize](raw, func(m SSHResize) error {
			if err := require("sessionId", m.SessionID); err != nil {
				return err
			}
			return requireDims(m.Cols, m.Rows)
		})
	case TypeSSHClose:
		return decodeInto[SSHClose](raw, func(m SSHClose) error {
			return require("sessionId", m.SessionID)
		})
	case TypeSSHError:
		return decodeInto[SSHError](raw, func(m SSHError) error {
			return require("sessionId", m.SessionID)
		})
	case TypeDisconnected:
		return decodeInto[Disconnected](raw, nil)
	case TypeError:
		return decodeInto[Error](raw, nil)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func decodeInto[M Message](raw []byte, validate func(M) error) (Message, error) {
	var m M
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.MessageType(), err)
	}
	if validate != nil {
		if err := validate(m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.MessageType(), err)
		}
	}
	return m, nil
}

// require takes name/value pairs and fails on the first empty value.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("missing %s", pairs[i])
		}
	}
	return nil
}

func requireDims(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", cols, rows)
	}
	return nil
}

// Encode serialises m with its "type" field first.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", m.MessageType(), err)
	}
	typ, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// EncodeData base64 encodes shell bytes for an SSHData frame.
func EncodeData(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeData reverses EncodeData.
func DecodeData(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64: %v", ErrInvalidMessage, err)
	}
	return b, nil
}
