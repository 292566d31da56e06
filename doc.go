/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package reqlimit provides a client-side request throttling and dispatch layer
// that wraps an arbitrary http.RoundTripper and transparently enforces
// concurrency limits, minimum inter-request intervals, retry policies and
// queue capacity bounds, scoped per destination: globally, per host, per path
// or by arbitrary rule.
//
// Callers issue requests exactly as they would with the underlying transport
// (Dispatcher implements http.RoundTripper), while the layer silently defers,
// queues, retries or rejects requests to respect the configured limits.
// Within one pool admission is strictly FIFO by enqueue order; retried
// requests are re-enqueued at the tail and compete fairly with newer ones.
package reqlimit
