package fetchkit

import (
	"fmt"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResponseType declares the shape a response body should be decoded to.
type ResponseType string

const (
	// ResponseAuto infers the shape from the Content-Type header.
	ResponseAuto ResponseType = ""
	// ResponseJSON parses the body as a JSON document into Value.
	ResponseJSON ResponseType = "json"
	// ResponseXML returns the raw text unmodified; callers parse downstream.
	ResponseXML ResponseType = "xml"
	// ResponseBytes returns the binary payload untouched (audio, images).
	ResponseBytes ResponseType = "bytes"
	// ResponseText returns the body as plain text.
	ResponseText ResponseType = "text"
)

const decodeSnippetLimit = 512

// Response is the settled outcome of a request. For de-duplicated calls
// every joined caller receives the same *Response; the body is decoded
// once by the dispatching caller, never re-decoded per joiner.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Value holds the parsed JSON document when the response type
	// resolved to JSON; nil otherwise.
	Value any
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// ContentType returns the response Content-Type header.
func (r *Response) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// DecodeJSON unmarshals the raw body into v. Failures are reported as
// KindDecode errors carrying a truncated body snippet for diagnostics.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &RequestError{
			Kind:       KindDecode,
			Message:    fmt.Sprintf("malformed JSON body: %q", snippet(r.Body)),
			Cause:      err,
			StatusCode: r.StatusCode,
		}
	}
	return nil
}

// decode fills in resp.Value according to the requested response type.
// A decode failure is terminal for the request: the server already
// answered inside the expected status set, so retrying cannot fix a
// malformed body.
func decode(resp *Response, rt ResponseType) *RequestError {
	switch resolveType(rt, resp.ContentType()) {
	case ResponseJSON:
		var v any
		if err := json.Unmarshal(resp.Body, &v); err != nil {
			return &RequestError{
				Kind:       KindDecode,
				Message:    fmt.Sprintf("malformed JSON body: %q", snippet(resp.Body)),
				Cause:      err,
				StatusCode: resp.StatusCode,
			}
		}
		resp.Value = v
	case ResponseXML, ResponseText, ResponseBytes:
		// Raw payload is the result. XML is deliberately handed to the
		// caller unparsed.
	}
	return nil
}

// resolveType maps ResponseAuto onto a concrete shape using the
// Content-Type header.
func resolveType(rt ResponseType, contentType string) ResponseType {
	if rt != ResponseAuto {
		return rt
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return ResponseJSON
	case strings.Contains(ct, "xml"):
		return ResponseXML
	case strings.HasPrefix(ct, "text/"):
		return ResponseText
	default:
		return ResponseBytes
	}
}

func snippet(body []byte) string {
	if len(body) > decodeSnippetLimit {
		return string(body[:decodeSnippetLimit]) + "..."
	}
	return string(body)
}
