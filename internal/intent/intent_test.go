package intent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	promptctx "github.com/ngoalkeeper/goaltender/internal/context"
	"github.com/ngoalkeeper/goaltender/internal/apperr"
	"github.com/ngoalkeeper/goaltender/internal/llm"
	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/resultset"
	"github.com/ngoalkeeper/goaltender/internal/store"
)

type fakeModel struct {
	responses []string
	i         int
	err       error
}

func (f *fakeModel) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return f.next()
}

func (f *fakeModel) RetryJSON(ctx context.Context, system, user string) (string, error) {
	return f.next()
}

func (f *fakeModel) next() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.i >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	r := f.responses[f.i]
	f.i++
	return r, nil
}

func TestParser_SmallTalk(t *testing.T) {
	st := store.NewInMemoryStore()
	rs := resultset.New(time.Hour, 64)
	p := New(&fakeModel{responses: []string{`{"kind":"small_talk","reply_hint":"greet"}`}}, st, rs)

	b := &promptctx.Bundle{Timezone: "UTC"}
	in, err := p.Parse(context.Background(), "u1", b, "hi")
	require.NoError(t, err)
	assert.Equal(t, models.IntentSmallTalk, in.Kind)
}

func TestParser_RetriesOnParseFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	rs := resultset.New(time.Hour, 64)
	p := New(&fakeModel{responses: []string{"not json", `{"kind":"small_talk"}`}}, st, rs)

	b := &promptctx.Bundle{Timezone: "UTC"}
	in, err := p.Parse(context.Background(), "u1", b, "hi")
	require.NoError(t, err)
	assert.Equal(t, models.IntentSmallTalk, in.Kind)
}

func TestParser_ParseErrorAfterTwoFailures(t *testing.T) {
	st := store.NewInMemoryStore()
	rs := resultset.New(time.Hour, 64)
	p := New(&fakeModel{responses: []string{"not json", "still not json"}}, st, rs)

	b := &promptctx.Bundle{Timezone: "UTC"}
	_, err := p.Parse(context.Background(), "u1", b, "hi")
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindIntentParseError, ae.Kind)
}

func TestParser_Timeout(t *testing.T) {
	st := store.NewInMemoryStore()
	rs := resultset.New(time.Hour, 64)
	p := New(&fakeModel{err: llm.ErrTimeout}, st, rs)

	b := &promptctx.Bundle{Timezone: "UTC"}
	_, err := p.Parse(context.Background(), "u1", b, "hi")
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindIntentTimeout, ae.Kind)
}

func TestParser_UnknownGoalRefRejected(t *testing.T) {
	st := store.NewInMemoryStore()
	rs := resultset.New(time.Hour, 64)
	p := New(&fakeModel{responses: []string{`{"kind":"goal.query","goal_ref":{"id":999}}`}}, st, rs)

	b := &promptctx.Bundle{Timezone: "UTC"}
	_, err := p.Parse(context.Background(), "u1", b, "покажи цель")
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindReferencesUnknownEntity, ae.Kind)
}

func TestParser_GoalCreateValidatesTitleLength(t *testing.T) {
	st := store.NewInMemoryStore()
	rs := resultset.New(time.Hour, 64)
	p := New(&fakeModel{responses: []string{`{"kind":"goal.create","title":"ab"}`}}, st, rs)

	b := &promptctx.Bundle{Timezone: "UTC"}
	_, err := p.Parse(context.Background(), "u1", b, "хочу цель")
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindIntentInvalid, ae.Kind)
}
