package stratum

import (
	"encoding/json"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

// Request is one of the typed inbound request variants below. Callers
// dispatch with a type switch.
type Request interface {
	method() string
}

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// Params returns the request in wire order.
func (r SubmitRequest) Params() []any {
	return []any{r.Username, r.JobID, r.ExtraNonce2, r.NTime, r.Nonce}
}

// NotifyRequest represents mining.notify parameters
type NotifyRequest struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// SetDifficultyRequest represents mining.set_difficulty parameters
type SetDifficultyRequest struct {
	Difficulty float64
}

// SetExtraNonceRequest represents mining.set_extranonce parameters
type SetExtraNonceRequest struct {
	ExtraNonce1     string
	ExtraNonce2Size int
}

// GetVersionRequest is client.get_version.
type GetVersionRequest struct{}

// ShowMessageRequest is client.show_message.
type ShowMessageRequest struct {
	Message string
}

// ReconnectRequest is client.reconnect. Host and port are optional.
type ReconnectRequest struct {
	Host string
	Port string
}

// UnknownRequest carries a method this package does not model.
type UnknownRequest struct {
	Method string
}

func (SubscribeRequest) method() string     { return MethodSubscribe }
func (AuthorizeRequest) method() string     { return MethodAuthorize }
func (SubmitRequest) method() string        { return MethodSubmit }
func (NotifyRequest) method() string        { return MethodNotify }
func (SetDifficultyRequest) method() string { return MethodSetDifficulty }
func (SetExtraNonceRequest) method() string { return MethodSetExtraNonce }
func (GetVersionRequest) method() string    { return MethodGetVersion }
func (ShowMessageRequest) method() string   { return MethodShowMessage }
func (ReconnectRequest) method() string     { return MethodReconnect }
func (r UnknownRequest) method() string     { return r.Method }

// Request decodes the params of a request envelope into its typed variant.
func (e *Envelope) Request() (Request, error) {
	if !e.IsRequest() {
		return nil, errors.New(errors.ErrorTypeProtocol, "decode_request", "message has no method")
	}
	ps, err := e.params()
	if err != nil {
		return nil, err
	}

	switch e.Method {
	case MethodSubscribe:
		return SubscribeRequest{UserAgent: optionalString(ps, 0), SessionID: optionalString(ps, 1)}, nil

	case MethodAuthorize:
		user, err := paramString(ps, 0, "username")
		if err != nil {
			return nil, err
		}
		// some miners omit the password
		return AuthorizeRequest{Username: user, Password: optionalString(ps, 1)}, nil

	case MethodSubmit:
		var fields [5]string
		for i, name := range []string{"username", "job_id", "extranonce2", "ntime", "nonce"} {
			if fields[i], err = paramString(ps, i, name); err != nil {
				return nil, err
			}
		}
		return SubmitRequest{
			Username:    fields[0],
			JobID:       fields[1],
			ExtraNonce2: fields[2],
			NTime:       fields[3],
			Nonce:       fields[4],
		}, nil

	case MethodNotify:
		return decodeNotify(ps)

	case MethodSetDifficulty:
		if len(ps) < 1 {
			return nil, errors.New(errors.ErrorTypeProtocol, "decode_params", "missing difficulty")
		}
		var d float64
		if err := fastJSON.Unmarshal(ps[0], &d); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "decode_params", "difficulty must be a number")
		}
		return SetDifficultyRequest{Difficulty: d}, nil

	case MethodSetExtraNonce:
		en1, err := paramString(ps, 0, "extranonce1")
		if err != nil {
			return nil, err
		}
		size, err := paramInt(ps, 1, "extranonce2_size")
		if err != nil {
			return nil, err
		}
		return SetExtraNonceRequest{ExtraNonce1: en1, ExtraNonce2Size: size}, nil

	case MethodGetVersion:
		return GetVersionRequest{}, nil

	case MethodShowMessage:
		return ShowMessageRequest{Message: optionalString(ps, 0)}, nil

	case MethodReconnect:
		return ReconnectRequest{Host: optionalString(ps, 0), Port: optionalString(ps, 1)}, nil
	}

	return UnknownRequest{Method: e.Method}, nil
}

func decodeNotify(ps []json.RawMessage) (Request, error) {
	if len(ps) < 9 {
		return nil, errors.New(errors.ErrorTypeProtocol, "decode_notify", "mining.notify needs 9 params")
	}
	var n NotifyRequest
	targets := []any{&n.JobID, &n.PrevHash, &n.Coinb1, &n.Coinb2, &n.MerkleBranch, &n.Version, &n.NBits, &n.NTime, &n.CleanJobs}
	for i, dst := range targets {
		if err := fastJSON.Unmarshal(ps[i], dst); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "decode_notify", "invalid mining.notify param").
				WithContext("index", i)
		}
	}
	if n.MerkleBranch == nil {
		n.MerkleBranch = []string{}
	}
	return n, nil
}

// Response is one of the typed upstream response variants, chosen by request id.
type Response interface {
	requestID() int64
}

// SubscribeResult is the reply to request id 1.
type SubscribeResult struct {
	ExtraNonce1     string
	ExtraNonce2Size int
	Err             *Error
}

// AuthorizeResult is the reply to request id 2.
type AuthorizeResult struct {
	Authorized bool
	Err        *Error
}

// SubmitResult is the reply to request id 4.
type SubmitResult struct {
	Accepted bool
	Err      *Error
}

// UnknownResponse is a reply to an id the pool never sends.
type UnknownResponse struct {
	ID int64
}

func (SubscribeResult) requestID() int64   { return IDSubscribe }
func (AuthorizeResult) requestID() int64   { return IDAuthorize }
func (SubmitResult) requestID() int64      { return IDSubmit }
func (r UnknownResponse) requestID() int64 { return r.ID }

// Response decodes a response envelope by its request id.
func (e *Envelope) Response() (Response, error) {
	if e.IsRequest() {
		return nil, errors.New(errors.ErrorTypeProtocol, "decode_response", "message is a request")
	}
	id, ok := e.NumericID()
	if !ok {
		return nil, errors.New(errors.ErrorTypeProtocol, "decode_response", "response id is not numeric").
			WithContext("id", string(e.ID))
	}

	switch id {
	case IDSubscribe:
		res := SubscribeResult{Err: e.ErrorValue()}
		if isNull(e.Result) {
			return res, nil
		}
		var parts []json.RawMessage
		if err := fastJSON.Unmarshal(e.Result, &parts); err != nil || len(parts) < 3 {
			return nil, errors.New(errors.ErrorTypeProtocol, "decode_response", "subscribe result must have 3 elements")
		}
		var err error
		if res.ExtraNonce1, err = paramString(parts, 1, "extranonce1"); err != nil {
			return nil, err
		}
		if res.ExtraNonce2Size, err = paramInt(parts, 2, "extranonce2_size"); err != nil {
			return nil, err
		}
		return res, nil

	case IDAuthorize:
		res := AuthorizeResult{Err: e.ErrorValue()}
		_ = fastJSON.Unmarshal(e.Result, &res.Authorized)
		return res, nil

	case IDSubmit:
		res := SubmitResult{Err: e.ErrorValue()}
		_ = fastJSON.Unmarshal(e.Result, &res.Accepted)
		return res, nil
	}

	return UnknownResponse{ID: id}, nil
}

// HasResult reports whether a subscribe reply carried a result.
func (r SubscribeResult) HasResult() bool { return r.ExtraNonce1 != "" }
