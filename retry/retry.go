/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package retry provides backoff policies that describe how long to wait
// between attempts of a repeated operation.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy defines backoff strategy.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// The PolicyFunc type is an adapter to allow the use of ordinary functions as retry.Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements retry.Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// ExponentialBackoffPolicy means repeat with exponentially growing delays.
type ExponentialBackoffPolicy struct {
	initialInterval time.Duration
	multiplier      float64
}

// NewExponentialBackoffPolicy returns an exponential backoff policy
// with the given initial interval and multiplier.
func NewExponentialBackoffPolicy(initialInterval time.Duration, multiplier float64) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{initialInterval, multiplier}
}

// NewBackOff implements retry.Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initialInterval
	if p.multiplier > 1 {
		eb.Multiplier = p.multiplier
	}
	eb.Reset()
	return eb
}

// ConstantBackoffPolicy means repeat with constant interval delays.
type ConstantBackoffPolicy struct {
	interval time.Duration
}

// NewConstantBackoffPolicy returns a constant backoff policy with the given interval.
func NewConstantBackoffPolicy(interval time.Duration) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{interval}
}

// NewBackOff implements retry.Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	bf := backoff.NewConstantBackOff(p.interval)
	bf.Reset()
	return bf
}
