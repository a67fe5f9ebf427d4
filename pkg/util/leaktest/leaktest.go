// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package leaktest detects goroutines leaked by a test. Tests defer the
// closure returned by AfterTest at their start; at test end the closure
// compares the live goroutine set against the snapshot taken at the start
// and fails the test if new, interesting goroutines remain.
package leaktest

import (
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"
)

// interestingGoroutines returns the stacks of goroutines that a test could
// plausibly have leaked, keyed by the full stack text. Runtime and testing
// infrastructure goroutines are excluded.
func interestingGoroutines() map[string]bool {
	buf := make([]byte, 2<<20)
	buf = buf[:runtime.Stack(buf, true)]
	gs := make(map[string]bool)
	for _, g := range strings.Split(string(buf), "\n\n") {
		sl := strings.SplitN(g, "\n", 2)
		if len(sl) != 2 {
			continue
		}
		stack := strings.TrimSpace(sl[1])
		if stack == "" ||
			strings.Contains(stack, "testing.RunTests") ||
			strings.Contains(stack, "testing.Main(") ||
			strings.Contains(stack, "testing.(*T).Run(") ||
			strings.Contains(stack, "testing.tRunner(") ||
			strings.Contains(stack, "runtime.goexit") ||
			strings.Contains(stack, "created by runtime.gc") ||
			strings.Contains(stack, "interestingGoroutines") ||
			strings.Contains(stack, "runtime.MHeap_Scavenger") ||
			strings.Contains(stack, "signal.signal_recv") ||
			strings.Contains(stack, "sigterm.handler") ||
			strings.Contains(stack, "runtime_mcall") ||
			strings.Contains(stack, "goroutine in C code") {
			continue
		}
		gs[g] = true
	}
	return gs
}

// AfterTest snapshots the current goroutines and returns a function to be
// deferred that verifies no new goroutines outlived the test. Goroutines are
// given a grace period to exit, since many legitimate shutdowns are
// asynchronous.
func AfterTest(t testing.TB) func() {
	orig := interestingGoroutines()
	return func() {
		if t.Failed() {
			return
		}
		var leaked []string
		// Wait up to 5 seconds for straggling goroutines to finish shutting
		// down before declaring a leak.
		deadline := time.Now().Add(5 * time.Second)
		for {
			leaked = leaked[:0]
			for g := range interestingGoroutines() {
				if !orig[g] {
					leaked = append(leaked, g)
				}
			}
			if len(leaked) == 0 {
				return
			}
			if time.Now().After(deadline) {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		sort.Strings(leaked)
		for _, g := range leaked {
			t.Errorf("leaked goroutine: %v", g)
		}
	}
}
