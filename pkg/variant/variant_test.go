// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package variant_test

import (
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/jra3/hostmon/pkg/variant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAutoUnwrapsOneLevel(t *testing.T) {
	v := dbus.MakeVariant("/system.slice/foo.service")

	s, ok := variant.Get[string](v)
	require.True(t, ok)
	assert.Equal(t, "/system.slice/foo.service", s)
}

func TestGetWrongTypeFails(t *testing.T) {
	v := dbus.MakeVariant(int32(42))

	_, ok := variant.Get[string](v)
	assert.False(t, ok)
}

func TestWalkEmptyArrayVisitedWithNoChildren(t *testing.T) {
	var visited int
	err := variant.Walk([]any{}, func(path []string, val any) error {
		visited++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, visited) // the empty array itself, no elements
}

func TestWalkVisitsNestedDictEntries(t *testing.T) {
	tree := map[string]dbus.Variant{
		"ControlGroup": dbus.MakeVariant("/system.slice/foo.service"),
		"CPUAccounting": dbus.MakeVariant(true),
	}

	var got []string
	err := variant.Walk(tree, func(path []string, val any) error {
		if len(path) > 0 {
			got = append(got, path[len(path)-1])
		}
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ControlGroup", "CPUAccounting"}, got)
}

func TestWalkRespectsMaxDepth(t *testing.T) {
	var nested any = "leaf"
	for i := 0; i < variant.MaxDepth+10; i++ {
		nested = []any{nested}
	}

	err := variant.Walk(nested, func(path []string, val any) error {
		return nil
	})
	assert.ErrorIs(t, err, variant.ErrMaxDepth)
}

func TestDumpRendersEmptyArrayAsBrackets(t *testing.T) {
	out := variant.Dump([]any{})
	assert.Equal(t, "[]\n", out)
}

func TestDumpRendersDictEntriesWithArrow(t *testing.T) {
	tree := map[string]dbus.Variant{
		"Foo": dbus.MakeVariant("bar"),
	}
	out := variant.Dump(tree)
	assert.True(t, strings.Contains(out, "Foo => "))
	assert.True(t, strings.Contains(out, "struct {"))
}
