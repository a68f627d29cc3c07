package stratum

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

// Request ids the pool uses when it acts as a client of an upstream pool.
const (
	IDSubscribe = 1
	IDAuthorize = 2
	IDSubmit    = 4
)

// Method names.
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodSetExtraNonce = "mining.set_extranonce"
	MethodGetVersion    = "client.get_version"
	MethodShowMessage   = "client.show_message"
	MethodReconnect     = "client.reconnect"
)

// ClientVersion is the user agent sent upstream and returned to client.get_version.
const ClientVersion = "cgminer/3.7.2"

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Error represents a Stratum error response. It decodes from both the
// object form and the [code, message, data] array form.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts {"code":..,"message":..} and [code, "message", data].
func (e *Error) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var parts []json.RawMessage
		if err := fastJSON.Unmarshal(data, &parts); err != nil {
			return err
		}
		if len(parts) > 0 {
			_ = fastJSON.Unmarshal(parts[0], &e.Code)
		}
		if len(parts) > 1 {
			_ = fastJSON.Unmarshal(parts[1], &e.Message)
		}
		if len(parts) > 2 {
			_ = fastJSON.Unmarshal(parts[2], &e.Data)
		}
		return nil
	}

	type plain Error
	var p plain
	if err := fastJSON.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Error(p)
	return nil
}

// NewError builds an error with the given code.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// RequestMessage is an outbound request or notification.
type RequestMessage struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// ResponseMessage is an outbound response. Result and error are always present.
type ResponseMessage struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *RequestMessage {
	if params == nil {
		params = []any{}
	}
	return &RequestMessage{ID: id, Method: method, Params: params}
}

// NewNotification creates a request without an id.
func NewNotification(method string, params []any) *RequestMessage {
	return NewRequest(nil, method, params)
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *ResponseMessage {
	return &ResponseMessage{ID: id, Result: result}
}

// NewErrorResponse creates an error response with a null result.
func NewErrorResponse(id any, err *Error) *ResponseMessage {
	return &ResponseMessage{ID: id, Error: err}
}

// Envelope is the first decoding stage of a line: just enough to tell
// requests from responses. Params, result and error stay raw until
// Request or Response decodes them into a typed variant.
type Envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// DecodeEnvelope parses one stratum line.
func DecodeEnvelope(line []byte) (*Envelope, error) {
	var env Envelope
	if err := fastJSON.Unmarshal(line, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "decode_envelope", "malformed stratum message")
	}
	return &env, nil
}

// IsRequest reports whether the line carries a method.
func (e *Envelope) IsRequest() bool { return e.Method != "" }

// RawID returns the id for echoing back in a response. A missing id is nil.
func (e *Envelope) RawID() any {
	if isNull(e.ID) {
		return nil
	}
	return e.ID
}

// NumericID parses the id as an integer. Quoted numbers are accepted.
func (e *Envelope) NumericID() (int64, bool) {
	if isNull(e.ID) {
		return 0, false
	}
	var n json.Number
	if err := fastJSON.Unmarshal(e.ID, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v, true
		}
	}
	var s string
	if err := fastJSON.Unmarshal(e.ID, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func (e *Envelope) params() ([]json.RawMessage, error) {
	if isNull(e.Params) {
		return nil, nil
	}
	var ps []json.RawMessage
	if err := fastJSON.Unmarshal(e.Params, &ps); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "decode_params", "params must be an array").
			WithContext("method", e.Method)
	}
	return ps, nil
}

// ErrorValue decodes the error member, or nil when absent.
func (e *Envelope) ErrorValue() *Error {
	if isNull(e.Error) {
		return nil
	}
	var se Error
	if err := fastJSON.Unmarshal(e.Error, &se); err != nil {
		return &Error{Code: ErrorOther, Message: string(e.Error)}
	}
	return &se
}

// paramString decodes ps[i] as a string. Numbers are rendered in decimal.
func paramString(ps []json.RawMessage, i int, name string) (string, error) {
	if i >= len(ps) || isNull(ps[i]) {
		return "", errors.New(errors.ErrorTypeProtocol, "decode_params", "missing "+name)
	}
	var s string
	if err := fastJSON.Unmarshal(ps[i], &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := fastJSON.Unmarshal(ps[i], &n); err == nil {
		return n.String(), nil
	}
	return "", errors.New(errors.ErrorTypeProtocol, "decode_params", name+" must be a string")
}

// paramInt decodes ps[i] as an integer, accepting quoted decimal.
func paramInt(ps []json.RawMessage, i int, name string) (int, error) {
	s, err := paramString(ps, i, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeProtocol, "decode_params", name+" must be an integer")
	}
	return v, nil
}

func optionalString(ps []json.RawMessage, i int) string {
	s, _ := paramString(ps, i, "")
	return s
}
