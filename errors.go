/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package reqlimit

import (
	"fmt"
)

// CapacityExceededError is returned from the dispatching methods
// when the pool's bounded queue is full. The request is never sent in this case.
type CapacityExceededError struct {
	PoolName string
	Capacity int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("request pool %q capacity (%d) exceeded", e.PoolName, e.Capacity)
}

// InvalidURLError is returned when the target URL cannot be parsed
// or cannot be resolved to an absolute URL.
type InvalidURLError struct {
	URL   string
	Inner error
}

func (e *InvalidURLError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("invalid target URL %q: %s", e.URL, e.Inner.Error())
	}
	return fmt.Sprintf("invalid target URL %q", e.URL)
}

// Unwrap returns the next error in the error chain.
func (e *InvalidURLError) Unwrap() error {
	return e.Inner
}

// DuplicateRuleError is returned from Configure when a routing key
// computed for the new rule is already registered.
type DuplicateRuleError struct {
	Key string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("routing key %q is already registered", e.Key)
}
