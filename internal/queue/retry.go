package queue

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns how long to wait before running a task again after its n-th failure.
//
// The base delay is MinTimeout*Factor^(n-1). With Randomize the jitter is drawn from
// [0, base*(Factor-1)), so the delay stays below the next attempt's base and the sequence
// never decreases. The result is capped at MaxTimeout.
func (p RetryPolicy) Delay(failure int) time.Duration {
	return p.delay(failure, rand.Int63n)
}

func (p RetryPolicy) delay(failure int, int63n func(int64) int64) time.Duration {
	if failure < 1 {
		failure = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.MinTimeout) * math.Pow(factor, float64(failure-1))
	if base >= float64(p.MaxTimeout) {
		return p.MaxTimeout
	}
	wait := time.Duration(base)
	if p.Randomize {
		if span := int64(base * (factor - 1)); span > 0 {
			wait += time.Duration(int63n(span))
		}
	}
	if wait > p.MaxTimeout {
		wait = p.MaxTimeout
	}
	return wait
}

// ShouldRetry reports whether a task that has failed `failures` times may run again.
func (p RetryPolicy) ShouldRetry(failures int) bool {
	return failures <= p.MaxAttempts
}

// EscalationMachine returns the machine an out-of-memory task moves to, if the policy has
// one and the task is not already running there.
func (p RetryPolicy) EscalationMachine(current string) (string, bool) {
	if p.OutOfMemory == nil || p.OutOfMemory.Machine == "" || p.OutOfMemory.Machine == current {
		return "", false
	}
	return p.OutOfMemory.Machine, true
}
