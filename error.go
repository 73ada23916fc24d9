package plexrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/plexrpc/plexrpc/code"
)

// Error is the concrete type of errors returned from RPC calls.
type Error struct {
	Code    code.Code       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error renders e to a human-readable string for the error interface.
func (e *Error) Error() string { return fmt.Sprintf("[%d] %s", e.Code, e.Message) }

// ErrCode reports the code of e, satisfying the code.Coder interface.
func (e *Error) ErrCode() code.Code { return e.Code }

// HasData reports whether e has error data attached.
func (e *Error) HasData() bool { return len(e.Data) != 0 }

// WithData returns a copy of e with v attached as its data. If v cannot be
// marshaled to JSON, the data of the copy are empty.
func (e *Error) WithData(v any) *Error {
	cp := *e
	cp.Data, _ = json.Marshal(v)
	return &cp
}

// UnmarshalData decodes the error data associated with e into v. It returns
// ErrNoData without modifying v if there was no data message attached to e.
func (e *Error) UnmarshalData(v any) error {
	if !e.HasData() {
		return ErrNoData
	}
	return json.Unmarshal(e.Data, v)
}

// ErrNoData indicates that there are no data to unmarshal.
var ErrNoData = errors.New("no data to unmarshal")

// Errorf returns an error value of concrete type *Error having the specified
// code and formatted message string.
func Errorf(c code.Code, msg string, args ...any) *Error {
	return &Error{Code: c, Message: fmt.Sprintf(msg, args...)}
}

// ErrorFromError converts err into an *Error. A value that is already an
// *Error is returned unchanged; otherwise the code is assigned by
// code.FromError and the message is the text of err.
func ErrorFromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	c := code.FromError(err)
	if c == code.NoError {
		c = code.InternalError
	}
	return &Error{Code: c, Message: err.Error()}
}

// IsValidError reports whether v is a valid RPC error value: its code is
// numeric and in band, and its message is a string. It accepts either an
// *Error or a raw JSON message encoding one.
func IsValidError(v any) bool {
	switch t := v.(type) {
	case *Error:
		return t != nil && code.InBand(t.Code)
	case json.RawMessage:
		e, err := parseError(t)
		return err == nil && code.InBand(e.Code)
	case []byte:
		e, err := parseError(t)
		return err == nil && code.InBand(e.Code)
	}
	return false
}

// parseError decodes an error object, checking that code is numeric and
// message is a string. It does not check the code bands; that is the
// province of IsValidError.
func parseError(data []byte) (*Error, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, errors.New("error is not an object")
	}
	e := new(Error)
	cbits, ok := obj["code"]
	if !ok || json.Unmarshal(cbits, &e.Code) != nil {
		return nil, errors.New("error code is not a number")
	}
	mbits, ok := obj["message"]
	if !ok || json.Unmarshal(mbits, &e.Message) != nil {
		return nil, errors.New("error message is not a string")
	}
	if dbits, ok := obj["data"]; ok && !isNull(dbits) {
		e.Data = dbits
	}
	return e, nil
}
