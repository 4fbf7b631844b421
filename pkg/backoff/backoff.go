/*
Copyright 2022 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package backoff implements a capped-exponential-with-jitter policy. CSR
// polling (pkg/bootstrap) and the pod relist (pkg/dispatcher) use it and
// differ only in their Initial/Max/Multiplier constants. Image pulls, CSI
// RPCs and the node heartbeat do not use it and are not retried with
// backoff.
package backoff

import (
	"math/rand"
	"time"
)

// Policy parameterizes a capped exponential backoff with symmetric jitter.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	JitterFrac float64
}

// Backoff is a stateful cursor over a Policy; each call to Next advances it.
type Backoff struct {
	policy  Policy
	current time.Duration
}

// New returns a Backoff positioned before its first step.
func New(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Next returns the delay to wait before the next attempt and advances the
// cursor. The very first call returns Initial (jittered).
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.policy.Initial
	} else {
		b.current = time.Duration(float64(b.current) * b.policy.Multiplier)
		if b.current > b.policy.Max {
			b.current = b.policy.Max
		}
	}
	return jitter(b.current, b.policy.JitterFrac)
}

// Reset returns the cursor to its initial position, e.g. after a success.
func (b *Backoff) Reset() {
	b.current = 0
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	// Uniform in [d-delta, d+delta].
	offset := (rand.Float64()*2 - 1) * delta
	out := float64(d) + offset
	if out < 0 {
		out = 0
	}
	return time.Duration(out)
}
