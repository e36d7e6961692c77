package resultset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoalkeeper/goaltender/internal/models"
)

func TestCache_CreateAndResolveOrdinal(t *testing.T) {
	c := New(time.Hour, 64)
	rs := c.Create("u1", models.ResultSetKindEvents, []int64{42, 17, 88})

	id, err := c.Resolve("u1", models.EntityRef{SetID: rs.SetID, Ordinal: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)
}

func TestCache_ResolveDirect(t *testing.T) {
	c := New(time.Hour, 64)
	id, err := c.Resolve("u1", models.EntityRef{ID: 99})
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)
}

func TestCache_OrdinalOutOfRange(t *testing.T) {
	c := New(time.Hour, 64)
	rs := c.Create("u1", models.ResultSetKindGoals, []int64{1, 2})

	_, err := c.Resolve("u1", models.EntityRef{SetID: rs.SetID, Ordinal: 0})
	assert.ErrorIs(t, err, ErrOrdinalOutOfRange)

	_, err = c.Resolve("u1", models.EntityRef{SetID: rs.SetID, Ordinal: 3})
	assert.ErrorIs(t, err, ErrOrdinalOutOfRange)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c := New(10*time.Millisecond, 64)
	rs := c.Create("u1", models.ResultSetKindSteps, []int64{1})
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("u1", rs.SetID)
	assert.False(t, ok)
}

func TestCache_EvictsLRUBeyondCapacity(t *testing.T) {
	c := New(time.Hour, 2)
	first := c.Create("u1", models.ResultSetKindEvents, []int64{1})
	c.Create("u1", models.ResultSetKindEvents, []int64{2})
	c.Create("u1", models.ResultSetKindEvents, []int64{3})

	_, ok := c.Get("u1", first.SetID)
	assert.False(t, ok, "oldest set should have been evicted")
}

func TestCache_UnknownSet(t *testing.T) {
	c := New(time.Hour, 64)
	_, err := c.Resolve("u1", models.EntityRef{SetID: "nope", Ordinal: 1})
	assert.ErrorIs(t, err, ErrUnknownSet)
}
