package plexrpc

import (
	"bytes"
	"encoding/json"

	"github.com/plexrpc/plexrpc/code"
)

// Decoding and encoding of wire envelopes. All the Parse functions accept a
// UTF-8 string or raw byte buffer and report failures as *Error values with a
// code in the standard band, so that a router can forward them to the caller
// without further translation.

var (
	errEmptyInput  = &Error{Code: code.ParseError, Message: "Parse error: empty input"}
	errInvalidJSON = &Error{Code: code.ParseError, Message: "Parse error: invalid JSON"}
	errNotObject   = &Error{Code: code.InvalidRequest, Message: "Invalid request: not an object"}
)

// ParseRequest parses and validates a single request. The input must be a
// JSON object with a non-empty string "id", a string "method", and optional
// "params" and "meta" fields. An explicit null params value is preserved;
// an absent one stays absent.
func ParseRequest(data []byte) (*Request, error) {
	obj, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	return requestFromObject(obj)
}

// ParseResponse parses and validates a single response. The input must be a
// JSON object with a string "id" and at most one of "result" and "error".
// A response with neither is a void return and is accepted. Unlike a request
// id, a response id may be empty: an empty id marks an unsolicited event.
func ParseResponse(data []byte) (*Response, error) {
	obj, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	return responseFromObject(obj)
}

// ParseBatchRequest parses and validates a batch request: a JSON object with
// a non-empty string "id", a non-empty "requests" array whose members are
// each independently valid requests, and an optional "abortOnError" flag.
func ParseBatchRequest(data []byte) (*BatchRequest, error) {
	obj, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	b := new(BatchRequest)
	if b.ID, err = stringField(obj, "id"); err != nil {
		return nil, err
	}
	rbits, ok := obj["requests"]
	if !ok {
		return nil, Errorf(code.InvalidRequest, "Invalid request: missing requests")
	}
	var members []json.RawMessage
	if err := json.Unmarshal(rbits, &members); err != nil {
		return nil, Errorf(code.InvalidRequest, "Invalid request: requests is not an array")
	}
	if len(members) == 0 {
		return nil, Errorf(code.InvalidRequest, "Invalid request: empty batch")
	}
	for _, raw := range members {
		req, err := ParseRequest(raw)
		if err != nil {
			return nil, err
		}
		b.Requests = append(b.Requests, req)
	}
	if abits, ok := obj["abortOnError"]; ok && !isNull(abits) {
		if err := json.Unmarshal(abits, &b.AbortOnError); err != nil {
			return nil, Errorf(code.InvalidRequest, "Invalid request: abortOnError is not a boolean")
		}
	}
	return b, nil
}

// ParseBatchResponse parses and validates a batch response envelope.
func ParseBatchResponse(data []byte) (*BatchResponse, error) {
	obj, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	b := new(BatchResponse)
	if b.ID, err = stringField(obj, "id"); err != nil {
		return nil, err
	}
	rbits, ok := obj["responses"]
	if !ok {
		return nil, Errorf(code.InvalidRequest, "Invalid response: missing responses")
	}
	var members []json.RawMessage
	if err := json.Unmarshal(rbits, &members); err != nil {
		return nil, Errorf(code.InvalidRequest, "Invalid response: responses is not an array")
	}
	for _, raw := range members {
		rsp, err := ParseResponse(raw)
		if err != nil {
			return nil, err
		}
		b.Responses = append(b.Responses, rsp)
	}
	sbits, ok := obj["success"]
	if !ok || json.Unmarshal(sbits, &b.Success) != nil {
		return nil, Errorf(code.InvalidRequest, "Invalid response: missing or invalid success")
	}
	if dbits, ok := obj["duration"]; ok && !isNull(dbits) {
		if err := json.Unmarshal(dbits, &b.Duration); err != nil {
			return nil, Errorf(code.InvalidRequest, "Invalid response: duration is not a number")
		}
	}
	return b, nil
}

// IsBatch reports whether data looks like a batch envelope: a JSON object
// carrying a "requests" array. It does not fully validate the message.
func IsBatch(data []byte) bool {
	var probe struct {
		Requests json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return firstByte(probe.Requests) == '['
}

// EncodeRequest encodes req for transmission. A nil Params is omitted; an
// explicit JSON null is preserved.
func EncodeRequest(req *Request) ([]byte, error) { return marshal(req) }

// EncodeResponse encodes rsp for transmission. It reports an error if rsp
// carries both a result and an error, keeping encode and decode symmetric.
func EncodeResponse(rsp *Response) ([]byte, error) {
	if len(rsp.Result) != 0 && rsp.Error != nil {
		return nil, Errorf(code.InvalidRequest, "Invalid response: both result and error")
	}
	return marshal(rsp)
}

// EncodeBatchRequest encodes b for transmission.
func EncodeBatchRequest(b *BatchRequest) ([]byte, error) { return marshal(b) }

// EncodeBatchResponse encodes b for transmission.
func EncodeBatchResponse(b *BatchResponse) ([]byte, error) {
	if b.Responses == nil {
		cp := *b
		cp.Responses = []*Response{}
		b = &cp
	}
	return marshal(b)
}

// marshal encodes v, converting encoder failures (including reference cycles,
// which encoding/json detects) into protocol errors. Arbitrary-precision
// integers are not special-cased; callers must pre-encode such values as
// strings.
func marshal(v any) ([]byte, error) {
	bits, err := json.Marshal(v)
	if err != nil {
		return nil, Errorf(code.ParseError, "Parse error: %v", err)
	}
	return bits, nil
}

// parseObject decodes data into a field map, applying the common validation
// ladder: empty input, malformed JSON, and non-object roots are rejected.
func parseObject(data []byte) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyInput
	}
	if !json.Valid(data) {
		return nil, errInvalidJSON
	}
	if firstByte(data) != '{' {
		return nil, errNotObject
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, errInvalidJSON
	}
	return obj, nil
}

// requestFromObject validates the request fields from a parsed object.
// The id must be a non-empty string; the method must be a string. A "null"
// params value is kept verbatim so it survives re-encoding.
func requestFromObject(obj map[string]json.RawMessage) (*Request, error) {
	req := new(Request)
	id, err := stringField(obj, "id")
	if err != nil {
		return nil, err
	}
	req.ID = id
	mbits, ok := obj["method"]
	if !ok || json.Unmarshal(mbits, &req.Method) != nil || req.Method == "" {
		return nil, Errorf(code.InvalidRequest, "Invalid request: missing or invalid method")
	}
	if pbits, ok := obj["params"]; ok {
		req.Params = pbits // explicit null included
	}
	if req.Meta, err = metaField(obj); err != nil {
		return nil, err
	}
	return req, nil
}

// responseFromObject validates the response fields from a parsed object.
// Note the deliberate asymmetry with requests: a response id may be the empty
// string, and a response may omit both result and error (a void return).
func responseFromObject(obj map[string]json.RawMessage) (*Response, error) {
	rsp := new(Response)
	idbits, ok := obj["id"]
	if !ok || json.Unmarshal(idbits, &rsp.ID) != nil {
		return nil, Errorf(code.InvalidRequest, "Invalid response: missing or invalid id")
	}
	if rbits, ok := obj["result"]; ok && !isNull(rbits) {
		rsp.Result = rbits
	}
	if ebits, ok := obj["error"]; ok && !isNull(ebits) {
		e, err := parseError(ebits)
		if err != nil {
			return nil, Errorf(code.InvalidRequest, "Invalid response: %v", err)
		}
		rsp.Error = e
	}
	if len(rsp.Result) != 0 && rsp.Error != nil {
		return nil, Errorf(code.InvalidRequest, "Invalid response: both result and error")
	}
	var err error
	if rsp.Meta, err = metaField(obj); err != nil {
		return nil, err
	}
	return rsp, nil
}

func stringField(obj map[string]json.RawMessage, key string) (string, error) {
	bits, ok := obj[key]
	if !ok {
		return "", Errorf(code.InvalidRequest, "Invalid request: missing or invalid %s", key)
	}
	var s string
	if json.Unmarshal(bits, &s) != nil || s == "" {
		return "", Errorf(code.InvalidRequest, "Invalid request: missing or invalid %s", key)
	}
	return s, nil
}

func metaField(obj map[string]json.RawMessage) (*Meta, error) {
	bits, ok := obj["meta"]
	if !ok || isNull(bits) {
		return nil, nil
	}
	if firstByte(bits) != '{' {
		return nil, Errorf(code.InvalidRequest, "Invalid request: meta is not an object")
	}
	m := new(Meta)
	if err := json.Unmarshal(bits, m); err != nil {
		return nil, Errorf(code.InvalidRequest, "Invalid request: invalid meta: %v", err)
	}
	return m, nil
}

// MarshalErrorResponse encodes an error-only response envelope with a
// best-effort id. If id == nil the envelope's id is encoded as JSON null,
// marking a request whose id could not be recovered. The result is always
// valid JSON.
func MarshalErrorResponse(id *string, e *Error) []byte {
	env := struct {
		ID    any    `json:"id"`
		Error *Error `json:"error"`
	}{Error: e}
	if id != nil {
		env.ID = *id
	}
	bits, err := json.Marshal(env)
	if err != nil {
		// The error data could not be encoded; retry without it.
		env.Error = &Error{Code: e.Code, Message: e.Message}
		bits, _ = json.Marshal(env)
	}
	return bits
}

// RecoverID extracts a string "id" field from a request message that failed
// validation, for use in error envelopes. It returns nil when no usable id is
// present.
func RecoverID(data []byte) *string {
	var probe struct {
		ID *string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	if probe.ID == nil || *probe.ID == "" {
		return nil
	}
	return probe.ID
}

// isNull reports whether msg is exactly the JSON "null" value.
func isNull(msg json.RawMessage) bool {
	return len(msg) == 4 && msg[0] == 'n' && msg[1] == 'u' && msg[2] == 'l' && msg[3] == 'l'
}

// firstByte returns the first non-whitespace byte of data, or 0 if there is none.
func firstByte(data []byte) byte {
	clean := bytes.TrimSpace(data)
	if len(clean) == 0 {
		return 0
	}
	return clean[0]
}
