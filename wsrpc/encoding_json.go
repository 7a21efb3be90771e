package wsrpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// headToken values (spec.md §4.B): the key of the single-member JSON
// object identifies whether the frame is a request or an answer. A
// frame labeled "answer" arriving where "request" is expected (or vice
// versa) is not an error — it is silently dropped, which lets the
// callback arbitrator discard a peer's stale reply (spec.md §4.F, §9).
const (
	headRequest = "request"
	headAnswer  = "answer"
)

// jsonMIME is the canonical content-type that selects "inline raw JSON"
// body framing; an empty content-type gets the same treatment.
const jsonMIME = "application/json"

// base64Marker prefixes a body field that has been base64-framed
// because its content-type is neither empty/JSON nor text/*.
const base64Marker = "base64:"

// EncodeJSONRequest serializes req as a "wsrpcjson" Text frame payload.
func EncodeJSONRequest(req RequestContext) ([]byte, error) {
	headers, err := encodeHeaderField(req.Header)
	if err != nil {
		return nil, err
	}

	noAnswer := "0"
	if req.NoAnswer {
		noAnswer = "1"
	}

	body, err := encodeBodyField(req.Body, req.ContentType)
	if err != nil {
		return nil, err
	}

	arr := []json.RawMessage{
		jsonString(req.Method),
		jsonString(req.URL),
		jsonString(headers),
		jsonString(noAnswer),
		jsonString(req.ContentType),
		body,
	}
	return marshalHead(headRequest, arr)
}

// DecodeJSONRequest is the strict inverse of EncodeJSONRequest. It
// returns ErrHeadTokenMismatch (not a fatal error) if payload carries
// the answer head token instead.
func DecodeJSONRequest(payload []byte) (RequestContext, error) {
	fields, err := unmarshalHead(payload, headRequest)
	if err != nil {
		return RequestContext{}, err
	}
	if len(fields) != 6 {
		return RequestContext{}, fmt.Errorf("%w: request needs 6 fields, got %d", ErrMalformedPayload, len(fields))
	}

	var method, url, headers, noAnswer, contentType string
	if err := json.Unmarshal(fields[0], &method); err != nil {
		return RequestContext{}, fmt.Errorf("%w: method: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(fields[1], &url); err != nil {
		return RequestContext{}, fmt.Errorf("%w: url: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(fields[2], &headers); err != nil {
		return RequestContext{}, fmt.Errorf("%w: headers: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(fields[3], &noAnswer); err != nil {
		return RequestContext{}, fmt.Errorf("%w: noAnswer: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(fields[4], &contentType); err != nil {
		return RequestContext{}, fmt.Errorf("%w: contentType: %v", ErrMalformedPayload, err)
	}

	hdr, err := decodeHeaderField(headers)
	if err != nil {
		return RequestContext{}, err
	}
	body, err := decodeBodyField(fields[5], contentType)
	if err != nil {
		return RequestContext{}, err
	}

	return RequestContext{
		Method:      method,
		URL:         url,
		Header:      hdr,
		Body:        body,
		ContentType: contentType,
		NoAnswer:    noAnswer == "1",
	}, nil
}

// EncodeJSONAnswer serializes resp as a "wsrpcjson" Text frame payload.
func EncodeJSONAnswer(resp ResponseContext) ([]byte, error) {
	headers, err := encodeHeaderField(resp.Header)
	if err != nil {
		return nil, err
	}

	body, err := encodeBodyField(resp.Body, resp.ContentType)
	if err != nil {
		return nil, err
	}

	arr := []json.RawMessage{
		jsonString(strconv.Itoa(resp.Status)),
		jsonString(headers),
		jsonString(resp.ContentType),
		body,
	}
	return marshalHead(headAnswer, arr)
}

// DecodeJSONAnswer is the strict inverse of EncodeJSONAnswer.
func DecodeJSONAnswer(payload []byte) (ResponseContext, error) {
	fields, err := unmarshalHead(payload, headAnswer)
	if err != nil {
		return ResponseContext{}, err
	}
	if len(fields) != 4 {
		return ResponseContext{}, fmt.Errorf("%w: answer needs 4 fields, got %d", ErrMalformedPayload, len(fields))
	}

	var statusText, headers, contentType string
	if err := json.Unmarshal(fields[0], &statusText); err != nil {
		return ResponseContext{}, fmt.Errorf("%w: status: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(fields[1], &headers); err != nil {
		return ResponseContext{}, fmt.Errorf("%w: headers: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(fields[2], &contentType); err != nil {
		return ResponseContext{}, fmt.Errorf("%w: contentType: %v", ErrMalformedPayload, err)
	}

	status, err := strconv.Atoi(statusText)
	if err != nil {
		return ResponseContext{}, fmt.Errorf("%w: status %q not numeric", ErrMalformedPayload, statusText)
	}

	hdr, err := decodeHeaderField(headers)
	if err != nil {
		return ResponseContext{}, err
	}
	body, err := decodeBodyField(fields[3], contentType)
	if err != nil {
		return ResponseContext{}, err
	}

	return ResponseContext{
		Status:      status,
		Header:      hdr,
		Body:        body,
		ContentType: contentType,
	}, nil
}

// marshalHead wraps fields in the single-member {headToken: [...]}
// envelope spec.md §4.B describes.
func marshalHead(head string, fields []json.RawMessage) ([]byte, error) {
	arr, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	obj := map[string]json.RawMessage{head: arr}
	return json.Marshal(obj)
}

// unmarshalHead parses the single-member envelope and validates its
// key against expectHead case-insensitively. A mismatch is reported as
// ErrHeadTokenMismatch so the caller can silently drop the frame
// instead of treating it as a fatal protocol error.
func unmarshalHead(payload []byte, expectHead string) ([]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(obj) != 1 {
		return nil, fmt.Errorf("%w: envelope must have exactly one member", ErrMalformedPayload)
	}

	var key string
	var raw json.RawMessage
	for k, v := range obj {
		key, raw = k, v
	}
	if !strings.EqualFold(key, expectHead) {
		return nil, ErrHeadTokenMismatch
	}

	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return fields, nil
}

// encodeHeaderField serializes h as a JSON object string, to be
// embedded as one of the head-prefixed string fields.
func encodeHeaderField(h http.Header) (string, error) {
	if h == nil {
		h = http.Header{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHeaderField(s string) (http.Header, error) {
	if s == "" {
		return http.Header{}, nil
	}
	var h http.Header
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("%w: headers: %v", ErrMalformedPayload, err)
	}
	return h, nil
}

// encodeBodyField implements spec.md §4.B's body-encoding branch:
//
//   - empty body -> ""
//   - content-type empty or application/json -> raw JSON value, inlined
//   - content-type starting with "text/" -> a quoted UTF-8 string
//   - otherwise -> base64, with a magic marker prefix
func encodeBodyField(body []byte, contentType string) (json.RawMessage, error) {
	switch {
	case len(body) == 0:
		return jsonString(""), nil
	case contentType == "" || contentType == jsonMIME:
		if !json.Valid(body) {
			return nil, fmt.Errorf("%w: body claims content-type %q but is not valid JSON", ErrMalformedPayload, jsonMIME)
		}
		return json.RawMessage(body), nil
	case strings.HasPrefix(contentType, "text/"):
		return jsonString(string(body)), nil
	default:
		return jsonString(base64Marker + base64.StdEncoding.EncodeToString(body)), nil
	}
}

func decodeBodyField(raw json.RawMessage, contentType string) ([]byte, error) {
	switch {
	case contentType == "" || contentType == jsonMIME:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s == "" {
			// The "" empty-body marker.
			return nil, nil
		}
		// Anything else is the inlined raw JSON body value, a JSON string
		// included, and is returned as written.
		trimmed := strings.TrimSpace(string(raw))
		if trimmed == `""` || trimmed == "" {
			return nil, nil
		}
		return []byte(trimmed), nil
	case strings.HasPrefix(contentType, "text/"):
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: text body: %v", ErrMalformedPayload, err)
		}
		return []byte(s), nil
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: base64 body: %v", ErrMalformedPayload, err)
		}
		if s == "" {
			return nil, nil
		}
		if !strings.HasPrefix(s, base64Marker) {
			return nil, fmt.Errorf("%w: missing base64 marker", ErrMalformedPayload)
		}
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(s, base64Marker))
	}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
