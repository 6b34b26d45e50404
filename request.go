package fetchkit

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request describes a single outbound call. It is constructed fresh per
// call site and treated as immutable once the call starts. Zero values
// fall back to the client-level defaults.
type Request struct {
	// URL is the absolute target URL. Required.
	URL string
	// Method defaults to GET.
	Method string
	// Header holds extra request headers.
	Header http.Header
	// Body may be nil, []byte, string, io.Reader, or any value that is
	// marshaled to JSON (setting Content-Type: application/json).
	Body any

	// Timeout bounds each individual attempt. Zero uses the client
	// default; an expired attempt is retried.
	Timeout time.Duration
	// MaxTimeout bounds the whole operation across all attempts and
	// backoff waits. Zero means no overall deadline. Its expiry aborts
	// remaining retries immediately.
	MaxTimeout time.Duration

	// Retries is the number of additional attempts beyond the first.
	// Zero uses the client default; negative disables retries.
	Retries int
	// BackoffBase overrides the client's base backoff interval.
	BackoffBase time.Duration
	// BackoffCap overrides the client's maximum backoff interval.
	BackoffCap time.Duration

	// ExpectedStatuses lists status codes treated as success. Empty
	// means {200}. A status in this set is decoded normally even if it
	// would otherwise be an error (deliberate negative-path testing).
	ExpectedStatuses []int

	// ResponseType declares the decoded shape; ResponseAuto infers it
	// from the Content-Type header.
	ResponseType ResponseType

	// DedupeKey coalesces concurrent calls: at most one network call is
	// outstanding per key, and every joined caller receives the
	// identical settled outcome. Empty disables de-duplication.
	DedupeKey string

	// Area and Action record provenance ("image-search"/"fetch-thumbs")
	// on any classified error.
	Area   string
	Action string

	// Notify, when non-nil, routes classified failures to a UI hook.
	Notify *NotifyOptions
}

// NotifyOptions configures user-facing failure notifications for one
// request.
type NotifyOptions struct {
	// Emitter overrides the client-level notifier for this request.
	Emitter Notifier
	// Key collapses notifications: while any call sharing this key is
	// still in flight, at most one notification is emitted. Empty emits
	// independently.
	Key string
}

// validate checks the descriptor before dispatch.
func (r *Request) validate() *RequestError {
	fail := func(msg string) *RequestError {
		return &RequestError{
			Kind:    KindValidation,
			Message: msg,
			Area:    r.Area,
			Action:  r.Action,
			Method:  r.Method,
			URL:     r.URL,
		}
	}

	if r.URL == "" {
		return fail("request URL is empty")
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fail(fmt.Sprintf("request URL %q is not absolute", r.URL))
	}
	if r.Timeout < 0 || r.MaxTimeout < 0 {
		return fail("timeouts must be non-negative")
	}
	if r.BackoffBase < 0 || r.BackoffCap < 0 {
		return fail("backoff intervals must be non-negative")
	}
	for _, s := range r.ExpectedStatuses {
		if s < 100 || s > 599 {
			return fail(fmt.Sprintf("expected status %d out of range", s))
		}
	}
	return nil
}

// expectedSet returns the success statuses as a set, defaulting to {200}.
func (r *Request) expectedSet() map[int]struct{} {
	set := make(map[int]struct{}, len(r.ExpectedStatuses)+1)
	if len(r.ExpectedStatuses) == 0 {
		set[http.StatusOK] = struct{}{}
		return set
	}
	for _, s := range r.ExpectedStatuses {
		set[s] = struct{}{}
	}
	return set
}

// encodeBody materializes the request body once so every retry attempt
// replays identical bytes. The second return value reports whether the
// payload was JSON-marshaled here.
func encodeBody(body any) ([]byte, bool, error) {
	switch b := body.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return b, false, nil
	case string:
		return []byte(b), false, nil
	case io.Reader:
		data, err := io.ReadAll(b)
		return data, false, err
	default:
		data, err := json.Marshal(body)
		return data, true, err
	}
}

// endpointOf extracts host+path for metrics and debug labels.
func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(u.Host)
	if u.Path != "" && u.Path != "/" {
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}
	return builder.String()
}
