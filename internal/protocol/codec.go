package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformed is returned for records that are not a JSON object or
	// whose payload does not fit the variant.
	ErrMalformed = errors.New("malformed record")
	// ErrMissingType is returned when the "type" discriminator is absent.
	ErrMissingType = errors.New("missing type")
	// ErrUnknownType is returned for a discriminator outside the known set.
	ErrUnknownType = errors.New("unknown type")
)

// Encode serializes cmd as a single JSON object with "type" as its first
// field. The result carries no trailing newline.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("encode: nil command")
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) + 16)
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(string(cmd.Type()))
	buf.Write(typ)
	if len(payload) > 2 {
		buf.WriteByte(',')
		buf.Write(payload[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses one record. Errors wrap ErrMalformed, ErrMissingType or
// ErrUnknownType so callers can log and drop the record.
func Decode(data []byte) (Command, error) {
	data = bytes.TrimSpace(data)
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, ErrMalformed
	}

	typ := root.Get("type")
	if !typ.Exists() || typ.Type != gjson.String || typ.Str == "" {
		return nil, ErrMissingType
	}

	switch Type(typ.Str) {
	case TypeAuth:
		return decodeAs[AuthCommand](data)
	case TypeMessage:
		return decodeAs[MessageCommand](data)
	case TypeBacklog:
		return decodeAs[BacklogCommand](data)
	case TypeJoin:
		return decodeAs[JoinCommand](data)
	case TypePart:
		return decodeAs[PartCommand](data)
	case TypeUser:
		return decodeAs[UserCommand](data)
	case TypeError:
		return decodeAs[ErrorCommand](data)
	case TypePing:
		return PingCommand{}, nil
	case TypePong:
		return PongCommand{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ.Str)
	}
}

func decodeAs[T Command](data []byte) (Command, error) {
	var cmd T
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cmd, nil
}

// EncodeLine is Encode followed by exactly one newline.
func EncodeLine(cmd Command) ([]byte, error) {
	b, err := Encode(cmd)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
