package channel

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// Request is one command invocation on the wire. ID correlates the
// response; fire-and-forget commands never get one.
type Request struct {
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel"`
	Args    []any  `json:"args,omitempty"`
}

// Invocation strips the wire envelope.
func (r Request) Invocation() domain.CommandInvocation {
	return domain.CommandInvocation{Channel: r.Channel, Args: r.Args}
}

// Response answers a request/response command or a rejected request.
type Response struct {
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Value any    `json:"value"`
	Error string `json:"error,omitempty"`
}

// rawResponse is Response with the value left encoded, so the client can
// decode it into the type it expects.
type rawResponse struct {
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok"`
	Value cbor.RawMessage `json:"value"`
	Error string          `json:"error,omitempty"`
}

// Event pushes a presence notification to renderer subscribers.
type Event struct {
	Event     domain.PresenceEventKind `json:"event"`
	IdleState domain.IdleState         `json:"idleState,omitempty"`
	At        string                   `json:"at"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("channel: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Arbitrary JSON-shaped values decode to map[string]any rather
		// than map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("channel: CBOR decoder initialization failed: " + err.Error())
	}
}

// newEncoder returns a CBOR stream encoder for a socket connection.
func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// newDecoder returns a CBOR stream decoder for a socket connection.
func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// CBOR simple values for null and undefined.
const (
	cborNull      = 0xf6
	cborUndefined = 0xf7
)

// decodeValue decodes a raw response value into v, which must be a
// non-nil pointer. A null value zeroes the target instead of leaving it
// untouched.
func decodeValue(raw cbor.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) == 1 && (raw[0] == cborNull || raw[0] == cborUndefined) {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return fmt.Errorf("cannot decode into non-pointer %T", v)
		}
		rv.Elem().SetZero()
		return nil
	}
	return decMode.Unmarshal(raw, v)
}
