package fetchkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// newTestClient builds a client tuned for fast deterministic tests: no
// circuit breaker (so failure-path tests do not trip it) and millisecond
// backoff.
func newTestClient(options ...Option) *Client {
	base := []Option{
		WithoutCircuitBreaker(),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
	}
	return New(append(base, options...)...)
}

func TestFetchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"title":"Wingspan"}`)
	}))
	defer server.Close()

	client := newTestClient()
	resp, err := client.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	doc, ok := resp.Value.(map[string]any)
	if !ok {
		t.Fatalf("auto-decoded JSON expected, Value is %T", resp.Value)
	}
	if doc["title"] != "Wingspan" {
		t.Errorf("title = %v", doc["title"])
	}
}

func TestFetchJSONForcesDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Wrong content type on purpose; FetchJSON must decode anyway.
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, `{"pages":14}`)
	}))
	defer server.Close()

	client := newTestClient()
	resp, err := client.FetchJSON(context.Background(), server.URL, Request{})
	if err != nil {
		t.Fatalf("FetchJSON() error: %v", err)
	}
	doc := resp.Value.(map[string]any)
	if doc["pages"] != float64(14) {
		t.Errorf("pages = %v, want 14", doc["pages"])
	}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client := newTestClient()
	resp, err := client.Fetch(context.Background(), Request{URL: server.URL, Retries: 3})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if resp.Text() != "ok" {
		t.Errorf("body = %q", resp.Text())
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestFetchRetryCountExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient()
	_, err := client.Fetch(context.Background(), Request{URL: server.URL, Retries: 2})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %v", err)
	}
	if reqErr.Kind != KindHTTPStatus || reqErr.StatusCode != 500 {
		t.Errorf("kind/status = %q/%d, want HTTPStatus/500", reqErr.Kind, reqErr.StatusCode)
	}
	// Retries: 2 means one initial attempt plus two retries.
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestFetchNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient()
	_, err := client.Fetch(context.Background(), Request{URL: server.URL, Retries: 5})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != 404 {
		t.Fatalf("expected a 404 status error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("404 must not be retried, server saw %d calls", got)
	}
}

func TestFetchNoRetryOnDecodeFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"broken`)
	}))
	defer server.Close()

	client := newTestClient()
	_, err := client.Fetch(context.Background(), Request{URL: server.URL, Retries: 5})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindDecode {
		t.Fatalf("expected Decode, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("decode failures must not be retried, server saw %d calls", got)
	}
}

func TestFetchExpectedStatusesDecodesError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"renderer crashed"}`)
	}))
	defer server.Close()

	client := newTestClient()
	resp, err := client.Fetch(context.Background(), Request{
		URL:              server.URL,
		Retries:          5,
		ExpectedStatuses: []int{200, 500},
	})
	if err != nil {
		t.Fatalf("expected 500 must settle successfully, got %v", err)
	}
	if resp.StatusCode != 500 {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	doc := resp.Value.(map[string]any)
	if doc["error"] != "renderer crashed" {
		t.Errorf("decoded body = %v", doc)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected status must not retry, server saw %d calls", got)
	}
}

func TestFetchPerAttemptTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client := newTestClient()
	start := time.Now()
	_, err := client.Fetch(context.Background(), Request{
		URL:     server.URL,
		Timeout: 30 * time.Millisecond,
		Retries: -1,
	})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("attempt not bounded by Timeout: took %v", elapsed)
	}
}

func TestFetchMaxTimeoutAbortsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(
		WithoutCircuitBreaker(),
		WithBackoff(50*time.Millisecond, 100*time.Millisecond),
	)
	start := time.Now()
	_, err := client.Fetch(context.Background(), Request{
		URL:        server.URL,
		Retries:    20,
		MaxTimeout: 150 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected a failure")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("MaxTimeout did not bound the operation: took %v", elapsed)
	}
	if got := calls.Load(); got >= 21 {
		t.Errorf("retries not aborted: server saw %d calls", got)
	}
}

func TestFetchCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	sink := &recordingNotifier{}
	registry := NewInflightRegistry()
	client := newTestClient(WithInflightRegistry(registry), WithNotifier(sink))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Fetch(ctx, Request{
		URL:       server.URL,
		Retries:   5,
		DedupeKey: "cancel-test",
		Notify:    &NotifyOptions{Key: "cancel-test"},
	})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindCanceled {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("cancellation must not notify, got %d notifications", sink.count())
	}
	if registry.Len() != 0 {
		t.Errorf("canceled request must release its registry entry, %d left", registry.Len())
	}
}

func TestFetchDeduplication(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"script":"narration"}`)
	}))
	defer server.Close()

	client := newTestClient()
	req := Request{URL: server.URL, DedupeKey: "script:catan"}

	const callers = 5
	var wg sync.WaitGroup
	responses := make([]*Response, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		responses[0], errs[0] = client.Fetch(context.Background(), req)
	}()
	<-started

	// The owner is blocked inside the handler, so these all join it.
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = client.Fetch(context.Background(), req)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 network call, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if responses[i] != responses[0] {
			t.Errorf("caller %d received a different response instance", i)
		}
	}
}

func TestFetchDeduplicationFreshAfterSettlement(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client := newTestClient()
	req := Request{URL: server.URL, DedupeKey: "k"}

	if _, err := client.Fetch(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := client.Fetch(context.Background(), req); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("sequential calls must each hit the network, got %d", got)
	}
}

func TestFetchNotificationCollapsed(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sink := &recordingNotifier{}
	client := newTestClient(WithNotifier(sink))
	req := Request{
		URL:       server.URL,
		Retries:   -1,
		DedupeKey: "gen:wingspan",
		Notify:    &NotifyOptions{Key: "gen:wingspan"},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Fetch(context.Background(), req)
	}()
	<-started
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Fetch(context.Background(), req)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if sink.count() != 1 {
		t.Errorf("overlapping failures must collapse to 1 notification, got %d", sink.count())
	}

	// A later, separate failure opens a new episode and notifies again.
	client.Fetch(context.Background(), Request{
		URL:     server.URL,
		Retries: -1,
		Notify:  &NotifyOptions{Key: "gen:wingspan"},
	})
	if sink.count() != 2 {
		t.Errorf("a fresh episode should notify again, got %d", sink.count())
	}
}

func TestFetchPerRequestNotifierOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	clientSink := &recordingNotifier{}
	requestSink := &recordingNotifier{}
	client := newTestClient(WithNotifier(clientSink))

	client.Fetch(context.Background(), Request{
		URL:     server.URL,
		Retries: -1,
		Area:    "audio",
		Action:  "synthesize",
		Notify:  &NotifyOptions{Emitter: requestSink},
	})

	if requestSink.count() != 1 {
		t.Errorf("request-level emitter should receive the notification, got %d", requestSink.count())
	}
	if clientSink.count() != 0 {
		t.Errorf("client-level notifier must be bypassed, got %d", clientSink.count())
	}
}

func TestFetchErrorProvenance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient()
	_, err := client.Fetch(context.Background(), Request{
		URL:     server.URL,
		Retries: -1,
		Area:    "image-search",
		Action:  "fetch-thumbs",
	})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %v", err)
	}
	if reqErr.Area != "image-search" || reqErr.Action != "fetch-thumbs" {
		t.Errorf("provenance lost: area=%q action=%q", reqErr.Area, reqErr.Action)
	}
	if reqErr.Method != http.MethodGet || reqErr.URL != server.URL {
		t.Errorf("request context lost: method=%q url=%q", reqErr.Method, reqErr.URL)
	}
}

func TestFetchMiddlewareOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Header.Get("X-Trace"))
	}))
	defer server.Close()

	var order []string
	mw := func(name string) Middleware {
		return func(r *http.Request, next RoundTripper) (*http.Response, error) {
			order = append(order, name)
			r.Header.Set("X-Trace", r.Header.Get("X-Trace")+name)
			return next.RoundTrip(r)
		}
	}

	client := newTestClient(WithMiddleware(mw("a"), mw("b")))
	resp, err := client.Fetch(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("middleware order = %v, want [a b]", order)
	}
	if resp.Text() != "ab" {
		t.Errorf("server saw trace %q, want %q", resp.Text(), "ab")
	}
}

func TestFetchRateLimited(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client := newTestClient(WithRateLimit(rate.Limit(0.001), 1))

	if _, err := client.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	_, err := client.Fetch(context.Background(), Request{URL: server.URL})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindRateLimit {
		t.Fatalf("expected RateLimit, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("rate limit errors should unwrap to ErrRateLimited")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("denied request must not reach the server, saw %d calls", got)
	}
}

func TestFetchCircuitBreakerOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: 1,
			RecoveryTimeout:  time.Hour,
			SuccessThreshold: 1,
		}),
	)

	// First request fails and opens the breaker.
	client.Fetch(context.Background(), Request{URL: server.URL, Retries: -1})

	_, err := client.Fetch(context.Background(), Request{URL: server.URL, Retries: -1})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindCircuitOpen {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("breaker errors should unwrap to ErrCircuitOpen")
	}
}

func TestFetchRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(WithRetryBudget(1, time.Hour))
	_, err := client.Fetch(context.Background(), Request{URL: server.URL, Retries: 5})

	if !errors.Is(err, ErrRetryBudgetExceeded) {
		t.Fatalf("expected the retry budget to stop the loop, got %v", err)
	}
	// One initial attempt plus the single budgeted retry.
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestFetchInvalidRequest(t *testing.T) {
	client := newTestClient()
	_, err := client.Fetch(context.Background(), Request{URL: "not-a-url"})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindValidation {
		t.Fatalf("expected Validation, got %v", err)
	}
}

func TestFetchInvalidClientConfiguration(t *testing.T) {
	client := New(WithTimeout(-time.Second))
	if client.IsValid() {
		t.Fatal("negative timeout must fail validation")
	}

	_, err := client.Fetch(context.Background(), Request{URL: "https://a.example/"})
	if err == nil || err != client.ValidationError() {
		t.Errorf("Fetch must surface the construction-time validation error, got %v", err)
	}
}

func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":3,"name":"Azul"}`)
	}))
	defer server.Close()

	client := newTestClient()
	var game struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := client.GetJSON(context.Background(), server.URL, &game); err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if game.ID != 3 || game.Name != "Azul" {
		t.Errorf("decoded %+v", game)
	}
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, `{"received":%s}`, body)
	}))
	defer server.Close()

	client := newTestClient()
	payload := map[string]string{"game": "Catan"}
	var out struct {
		Received map[string]string `json:"received"`
	}
	if err := client.PostJSON(context.Background(), server.URL, payload, &out); err != nil {
		t.Fatalf("PostJSON() error: %v", err)
	}
	if out.Received["game"] != "Catan" {
		t.Errorf("echo mismatch: %+v", out)
	}
}

func TestFetchBodyReplayedOnRetry(t *testing.T) {
	var bodies [][]byte
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		n := len(bodies)
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client := newTestClient()
	_, err := client.Fetch(context.Background(), Request{
		URL:     server.URL,
		Method:  http.MethodPost,
		Body:    map[string]string{"rulebook": "wingspan.pdf"},
		Retries: 2,
	})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("server saw %d attempts, want 2", len(bodies))
	}
	if string(bodies[0]) != string(bodies[1]) {
		t.Errorf("retry replayed a different body: %q vs %q", bodies[0], bodies[1])
	}
}

func TestFetchEndpointRateLimitIsolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client := newTestClient(WithEndpointRateLimit(rate.Limit(0.001), 1))

	if _, err := client.Fetch(context.Background(), Request{URL: server.URL + "/a"}); err != nil {
		t.Fatalf("first call to /a should pass: %v", err)
	}
	if _, err := client.Fetch(context.Background(), Request{URL: server.URL + "/a"}); err == nil {
		t.Fatal("second call to /a should be rate limited")
	}
	if _, err := client.Fetch(context.Background(), Request{URL: server.URL + "/b"}); err != nil {
		t.Errorf("/b has its own bucket, got %v", err)
	}
}
