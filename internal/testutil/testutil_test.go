package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTestServer(t *testing.T) {
	server := NewTestServer(t, `[]`)
	require.NotNil(t, server)
}

func TestFakeModel_ReplaysThenRepeatsLast(t *testing.T) {
	m := &FakeModel{Responses: []string{"first", "second"}}

	got, err := m.CompleteJSON(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = m.RetryJSON(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	got, err = m.CompleteJSON(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "second", got, "exhausted FakeModel should repeat its last response")
}

func TestFakeModel_CompleteText(t *testing.T) {
	m := NewFakeModel(`{}`)
	got, err := m.CompleteText(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok: hello", got)
}
