package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTextRunes bounds the text of a single message.
const MaxTextRunes = 4000

var (
	// ErrMalformed is returned when a frame is not a JSON object.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned when the "type" discriminator is missing or unsupported.
	ErrUnknownType = errors.New("unknown event type")
	// ErrInvalid is returned when a known event is missing a required field.
	ErrInvalid = errors.New("invalid event")
)

// DecodeError describes why a frame was rejected.
type DecodeError struct {
	Type string
	Kind error
	Msg  string
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %v: %s", e.Type, e.Kind, e.Msg)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

type envelopeHead struct {
	Type string `json:"type"`
}

// Encode marshals an event as a flat JSON object carrying its "type" discriminator.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("v1: nil event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(ev.EventType())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// PeekType returns the discriminator of a raw frame without decoding the body.
func PeekType(data []byte) (string, error) {
	var head envelopeHead
	if err := json.Unmarshal(data, &head); err != nil {
		return "", &DecodeError{Kind: ErrMalformed, Msg: err.Error()}
	}
	return head.Type, nil
}

// DecodeInbound parses and validates a client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeJoin:
		var ev Join
		if err := unmarshalBody(typ, data, &ev); err != nil {
			return nil, err
		}
		if ev.UserID <= 0 {
			return nil, invalid(typ, "userId is required")
		}
		if ev.ConversationID < 0 {
			return nil, invalid(typ, "conversationId must be positive")
		}
		return ev, nil

	case TypeMessage:
		var ev Send
		if err := unmarshalBody(typ, data, &ev); err != nil {
			return nil, err
		}
		if ev.UserID <= 0 {
			return nil, invalid(typ, "userId is required")
		}
		if ev.ConversationID <= 0 {
			return nil, invalid(typ, "conversationId is required")
		}
		if strings.TrimSpace(ev.Text) == "" {
			return nil, invalid(typ, "text is required")
		}
		if utf8.RuneCountInString(ev.Text) > MaxTextRunes {
			return nil, invalid(typ, "text is too long")
		}
		switch ev.MessageType {
		case "":
			ev.MessageType = MessageText
		case MessageText, MessageImage, MessageFile:
		default:
			return nil, invalid(typ, "unsupported messageType")
		}
		if len(ev.ClientToken) > 128 {
			return nil, invalid(typ, "clientToken is too long")
		}
		return ev, nil

	case TypeTyping:
		ev, err := decodeTyping(data)
		if err != nil {
			return nil, err
		}
		return ev, nil

	case "":
		return nil, &DecodeError{Kind: ErrUnknownType, Msg: "missing type"}
	default:
		return nil, &DecodeError{Type: typ, Kind: ErrUnknownType, Msg: "unsupported type"}
	}
}

// DecodeOutbound parses a server frame. Client code uses it to route live events.
func DecodeOutbound(data []byte) (Outbound, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSystem:
		var ev System
		if err := unmarshalBody(typ, data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypePresenceInit:
		var ev PresenceInit
		if err := unmarshalBody(typ, data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypePresence:
		var ev Presence
		if err := unmarshalBody(typ, data, &ev); err != nil {
			return nil, err
		}
		if ev.UserID <= 0 {
			return nil, invalid(typ, "userId is required")
		}
		return ev, nil
	case TypeChat:
		var ev Chat
		if err := unmarshalBody(typ, data, &ev); err != nil {
			return nil, err
		}
		if ev.Message.ID <= 0 || ev.Message.ConversationID <= 0 {
			return nil, invalid(typ, "message id and conversationId are required")
		}
		return ev, nil
	case TypeTyping:
		return decodeTyping(data)
	case TypeError:
		var ev Error
		if err := unmarshalBody(typ, data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "":
		return nil, &DecodeError{Kind: ErrUnknownType, Msg: "missing type"}
	default:
		return nil, &DecodeError{Type: typ, Kind: ErrUnknownType, Msg: "unsupported type"}
	}
}

func decodeTyping(data []byte) (Typing, error) {
	var ev Typing
	if err := unmarshalBody(TypeTyping, data, &ev); err != nil {
		return Typing{}, err
	}
	if ev.UserID <= 0 {
		return Typing{}, invalid(TypeTyping, "userId is required")
	}
	if ev.ConversationID <= 0 {
		return Typing{}, invalid(TypeTyping, "conversationId is required")
	}
	return ev, nil
}

func unmarshalBody(typ string, data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return &DecodeError{Type: typ, Kind: ErrMalformed, Msg: err.Error()}
	}
	return nil
}

func invalid(typ, msg string) error {
	return &DecodeError{Type: typ, Kind: ErrInvalid, Msg: msg}
}
