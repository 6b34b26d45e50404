// Package fetchkit is the resilient request layer behind rulereel's
// upstream calls (rulebook scraping, summarization, image search,
// text-to-speech synthesis, render-job polling). Every outbound call
// goes through one Client that layers:
//
//   - Retries with exponential backoff + jitter and Retry-After support
//   - Per-attempt timeouts plus an independent overall deadline
//   - In-flight de-duplication (concurrent calls sharing a key join one
//     network call and receive the identical settled outcome)
//   - Body decoding per requested shape (JSON, XML-as-text, bytes, text)
//   - A normalized error taxonomy (Network, Timeout, HTTPStatus,
//     Canceled, Decode) carrying caller-supplied provenance
//   - Failure notifications collapsed to at most one per key per episode
//   - Rate limiting, circuit breaking, middleware and Prometheus metrics
//
// Design goals:
//   - Small surface area – functional options configure the client,
//     a plain Request struct configures each call
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via user supplied middleware, retry policy,
//     registry, notifier and metrics
//
// Typical usage:
//
//	client := fetchkit.New(
//	    fetchkit.WithMaxRetries(2),
//	    fetchkit.WithTimeout(10*time.Second),
//	    fetchkit.WithNotifier(toasts),
//	)
//	resp, err := client.FetchJSON(ctx, metadataURL, fetchkit.Request{
//	    DedupeKey: "bgg-meta:" + gameID,
//	    Area:      "metadata",
//	    Action:    "extract",
//	})
//
// Only failures classified as transient (network faults, attempt
// timeouts, 5xx and 429 responses) are retried; decode failures and
// unexpected 4xx statuses surface immediately. The library avoids
// opinionated logging: provide a Logger (e.g. via WithSimpleLogger) and
// enable debug flags selectively for insight without noise.
package fetchkit
