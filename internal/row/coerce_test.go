package row

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindValue_NilStaysNil(t *testing.T) {
	got, err := BindValue("TEXT", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBindValue_TimestampToDateColumn(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", -7200))

	got, err := BindValue("DATETIME", ts)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T05:04:05Z", got)
}

func TestBindValue_TimestampToNumericColumn(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	got, err := BindValue("INTEGER", ts)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), got)

	got, err = BindValue("REAL", ts)
	require.NoError(t, err)
	assert.Equal(t, float64(1700000000), got)
}

func TestBindValue_BoolToInteger(t *testing.T) {
	got, err := BindValue("BIT", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	got, err = BindValue("INTEGER", false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestBindValue_DateColumnAcceptsVariants(t *testing.T) {
	// String variant.
	got, err := BindValue("DATETIME", "2026-01-02 03:04:05")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", got)

	// Numeric variant (unix seconds).
	got, err = BindValue("DATETIME", int64(1700000000))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC().Format(time.RFC3339Nano), got)
}

func TestBindValue_PassThrough(t *testing.T) {
	got, err := BindValue("TEXT", "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	got, err = BindValue("REAL", 1.25)
	require.NoError(t, err)
	assert.Equal(t, 1.25, got)
}

func TestReadValue_BooleanColumn(t *testing.T) {
	for _, v := range []any{int64(1), float64(1), "1", "true"} {
		got, err := ReadValue("BOOLEAN", v)
		require.NoError(t, err)
		assert.Equal(t, true, got, "value %v", v)
	}
	got, err := ReadValue("BOOLEAN", int64(0))
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestReadValue_DateColumn(t *testing.T) {
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, v := range []any{
		"2026-01-02T03:04:05Z",
		"2026-01-02 03:04:05",
		want,
		want.Unix(),
	} {
		got, err := ReadValue("DATETIME", v)
		require.NoError(t, err)
		assert.True(t, want.Equal(got.(time.Time)), "value %v -> %v", v, got)
	}
}

func TestReadValue_TextBytes(t *testing.T) {
	got, err := ReadValue("TEXT", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestReadValue_UnparseableDate(t *testing.T) {
	_, err := ReadValue("DATETIME", "not a date")
	assert.Error(t, err)
}

func TestEntity_CaseInsensitiveAccess(t *testing.T) {
	e := NewEntity("T")
	e.Set("Amount", 10)
	e.Set("amount", 20) // same column, new value

	v, ok := e.Get("AMOUNT")
	require.True(t, ok)
	assert.Equal(t, 20, v)
	assert.Len(t, e.Columns, 1)

	e.Delete("aMoUnT")
	assert.False(t, e.Has("Amount"))
}
