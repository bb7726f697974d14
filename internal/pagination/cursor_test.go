package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123456000, time.UTC)

	cursor, err := Decode(Encode(ts, "esc_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, "esc_abc123", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"!!!", "bm9waXBl", "YWJjfGVzY18x", "MTIzfA"} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_Before(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "esc_m"}

	assert.True(t, c.Before(ts.Add(-time.Second), "esc_z"))
	assert.True(t, c.Before(ts, "esc_a"))
	assert.False(t, c.Before(ts, "esc_m"))
	assert.False(t, c.Before(ts, "esc_z"))
	assert.False(t, c.Before(ts.Add(time.Second), "esc_a"))

	var none *Cursor
	assert.True(t, none.Before(ts, "esc_m"))
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	type item struct {
		id string
		at time.Time
	}
	items := []item{{"c", ts}, {"b", ts.Add(-time.Minute)}, {"a", ts.Add(-2 * time.Minute)}}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	page, next := ComputePage(items, 2, key)
	assert.Len(t, page, 2)
	require.NotEmpty(t, next)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next = ComputePage(items, 3, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
}
