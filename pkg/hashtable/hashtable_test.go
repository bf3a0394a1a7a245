// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package hashtable_test

import (
	"sort"
	"testing"

	"github.com/jra3/hostmon/pkg/hashtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddGetDel(t *testing.T) {
	tb := hashtable.New[string, int]()
	tb.Add("a", 1)
	tb.Add("b", 2)

	v, ok := tb.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	tb.Del("a")
	_, ok = tb.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, tb.Count())
}

func TestMarkAndSweep(t *testing.T) {
	tb := hashtable.New[string, int]()
	tb.Add("foo.service", 1)
	tb.Add("bar.service", 2)
	tb.Add("baz.service", 3)

	// Simulate a sweep where only foo and baz are seen again.
	tb.MarkAll()
	tb.Unmark("foo.service")
	tb.Unmark("baz.service")

	var released []string
	swept := tb.Sweep(func(key string, val int) {
		released = append(released, key)
	})

	assert.Equal(t, []string{"bar.service"}, swept)
	assert.Equal(t, []string{"bar.service"}, released)
	assert.Equal(t, 2, tb.Count())

	_, ok := tb.Get("bar.service")
	assert.False(t, ok)
	_, ok = tb.Get("foo.service")
	assert.True(t, ok)
}

func TestWalkAllowsDeletingCurrentKey(t *testing.T) {
	tb := hashtable.New[int, string]()
	tb.Add(1, "one")
	tb.Add(2, "two")
	tb.Add(3, "three")

	tb.Walk(func(key int, val string) bool {
		if val == "two" {
			tb.Del(key)
		}
		return true
	})

	assert.Equal(t, 2, tb.Count())
	_, ok := tb.Get(2)
	assert.False(t, ok)
}

func TestKeysSnapshot(t *testing.T) {
	tb := hashtable.New[int, bool]()
	tb.Add(3, true)
	tb.Add(1, true)
	tb.Add(2, true)

	keys := tb.Keys()
	sort.Ints(keys)
	assert.Equal(t, []int{1, 2, 3}, keys)
}

func TestResetClearsMarks(t *testing.T) {
	tb := hashtable.New[string, int]()
	tb.Add("a", 1)
	tb.MarkAll()
	tb.Reset()

	assert.Equal(t, 0, tb.Count())
	assert.False(t, tb.Marked("a"))
}
