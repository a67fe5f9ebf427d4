// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package syncutil

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	var m Map[string, int]

	_, ok := m.Load("a")
	require.False(t, ok)

	m.Store("a", 1)
	v, ok := m.Load("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	actual, loaded := m.LoadOrStore("a", 2)
	require.True(t, loaded)
	require.Equal(t, 1, actual)

	actual, loaded = m.LoadOrStore("b", 2)
	require.False(t, loaded)
	require.Equal(t, 2, actual)

	var keys []string
	m.Range(func(k string, v int) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	require.Equal(t, []string{"a", "b"}, keys)

	m.Delete("a")
	_, ok = m.Load("a")
	require.False(t, ok)
}
