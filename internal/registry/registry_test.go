package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"qtorque/internal/types"
)

func TestNewSeededHasSeventeenTransforms(t *testing.T) {
	r := NewSeeded()
	all := r.All()
	require.Len(t, all, 17)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].ID, all[i].ID, "All() must be sorted by id")
	}
}

func TestGet(t *testing.T) {
	r := NewSeeded()
	tr, ok := r.Get("or_to_union")
	require.True(t, ok)
	require.Equal(t, "OU", tr.Code)

	_, ok = r.Get("does_not_exist")
	require.False(t, ok)
}

func TestEnabledAndByCategory(t *testing.T) {
	r := NewSeeded()
	require.NoError(t, r.Disable("inline_cte"))

	enabled := r.Enabled()
	for _, tr := range enabled {
		require.NotEqual(t, "inline_cte", tr.ID)
	}
	require.Len(t, enabled, 16)

	highValue := r.ByCategory(types.CategoryHighValue)
	for _, tr := range highValue {
		require.Equal(t, types.CategoryHighValue, tr.Category)
	}
	require.NotEmpty(t, highValue)
}

func TestUpsertClampsWeight(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(types.Transform{ID: "custom", Weight: 0}))
	tr, ok := r.Get("custom")
	require.True(t, ok)
	require.Equal(t, 1, tr.Weight)

	require.NoError(t, r.Upsert(types.Transform{ID: "custom", Weight: 99}))
	tr, ok = r.Get("custom")
	require.True(t, ok)
	require.Equal(t, 10, tr.Weight)
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	r := New()
	err := r.Upsert(types.Transform{ID: ""})
	require.Error(t, err)
}

func TestDisableUnknownReturnsError(t *testing.T) {
	r := New()
	err := r.Disable("nope")
	require.Error(t, err)
}

func TestDisableDoesNotRemove(t *testing.T) {
	r := NewSeeded()
	require.NoError(t, r.Disable("push_pred"))
	tr, ok := r.Get("push_pred")
	require.True(t, ok, "disable must not remove the transform")
	require.False(t, tr.Enabled)
	require.Len(t, r.All(), 17, "disabling must not shrink the registry")
}
