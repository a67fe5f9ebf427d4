// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package retry provides a retry helper with exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Options provides reusable configuration of Retry objects.
type Options struct {
	// InitialBackoff is the backoff used on the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth of the backoff.
	MaxBackoff time.Duration
	// Multiplier is applied to the backoff after each attempt.
	Multiplier float64
	// RandomizationFactor jitters the backoff within
	// [backoff*(1-f), backoff*(1+f)].
	RandomizationFactor float64
	// MaxRetries, if > 0, bounds the number of retries after the first
	// attempt. Zero means retry forever (until the context is done).
	MaxRetries int
}

// Retry implements the public methods necessary to control an exponential-
// backoff retry loop:
//
//	for r := retry.StartWithCtx(ctx, opts); r.Next(); {
//	    if err := op(); err == nil {
//	        break
//	    }
//	}
type Retry struct {
	opts           Options
	ctx            context.Context
	currentAttempt int
	isReset        bool
}

// Start returns a new Retry initialized to some default values.
func Start(opts Options) Retry {
	return StartWithCtx(context.Background(), opts)
}

// StartWithCtx returns a new Retry which will be canceled when ctx is done.
func StartWithCtx(ctx context.Context, opts Options) Retry {
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.Multiplier == 0 {
		opts.Multiplier = 2
	}
	if opts.RandomizationFactor == 0 {
		opts.RandomizationFactor = 0.15
	}
	r := Retry{opts: opts, ctx: ctx}
	r.Reset()
	return r
}

// Reset returns the Retry to its initial state, meaning that the next call to
// Next will return true immediately and subsequent calls will behave as if
// they had followed the very first attempt.
func (r *Retry) Reset() {
	select {
	case <-r.ctx.Done():
		// When the context was canceled, you can never retry.
		return
	default:
	}
	r.currentAttempt = 0
	r.isReset = true
}

// CurrentAttempt returns the zero-based attempt index.
func (r *Retry) CurrentAttempt() int {
	return r.currentAttempt
}

func (r *Retry) retryIn() time.Duration {
	backoff := float64(r.opts.InitialBackoff)
	for i := 0; i < r.currentAttempt; i++ {
		backoff *= r.opts.Multiplier
	}
	if maxBackoff := float64(r.opts.MaxBackoff); backoff > maxBackoff {
		backoff = maxBackoff
	}
	delta := r.opts.RandomizationFactor * backoff
	return time.Duration(backoff - delta + rand.Float64()*2*delta)
}

// Next returns whether the retry loop should continue, and blocks for the
// appropriate length of time before yielding back to the caller.
func (r *Retry) Next() bool {
	if r.isReset {
		r.isReset = false
		return true
	}
	if r.opts.MaxRetries > 0 && r.currentAttempt >= r.opts.MaxRetries {
		return false
	}
	select {
	case <-time.After(r.retryIn()):
		r.currentAttempt++
		return true
	case <-r.ctx.Done():
		return false
	}
}
