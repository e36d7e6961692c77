// Package testutil provides shared test doubles and HTTP test helpers
// used across internal/api and the dispatcher packages.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/ngoalkeeper/goaltender/internal/api"
	promptctx "github.com/ngoalkeeper/goaltender/internal/context"
	"github.com/ngoalkeeper/goaltender/internal/decompose"
	"github.com/ngoalkeeper/goaltender/internal/dialog"
	"github.com/ngoalkeeper/goaltender/internal/dispatch"
	"github.com/ngoalkeeper/goaltender/internal/intent"
	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/notify"
	"github.com/ngoalkeeper/goaltender/internal/resultset"
	"github.com/ngoalkeeper/goaltender/internal/scheduler"
	"github.com/ngoalkeeper/goaltender/internal/store"
	"github.com/ngoalkeeper/goaltender/internal/transport"
)

// FakeModel is a canned-response stand-in for the OpenAI-backed model
// client, shared by every package that needs one instead of each
// redeclaring its own. Responses are replayed in order; the last one
// repeats once exhausted.
type FakeModel struct {
	Responses []string
	i         int
}

// NewFakeModel builds a FakeModel that always returns resp.
func NewFakeModel(resp string) *FakeModel {
	return &FakeModel{Responses: []string{resp}}
}

func (f *FakeModel) next() (string, error) {
	if f.i >= len(f.Responses) {
		return f.Responses[len(f.Responses)-1], nil
	}
	r := f.Responses[f.i]
	f.i++
	return r, nil
}

// CompleteJSON implements intent.ModelClient and decompose.ModelClient.
func (f *FakeModel) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return f.next()
}

// RetryJSON implements intent.ModelClient and decompose.ModelClient.
func (f *FakeModel) RetryJSON(ctx context.Context, system, user string) (string, error) {
	return f.next()
}

// CompleteText implements dispatch.Summarizer.
func (f *FakeModel) CompleteText(ctx context.Context, system, user string) (string, error) {
	return "ok: " + user, nil
}

// NewTestServer assembles a full *api.Server wired entirely over an
// in-memory store and a canned model, for handler-level HTTP tests.
func NewTestServer(t *testing.T, modelResponse string) *api.Server {
	t.Helper()
	st := store.NewInMemoryStore()
	model := NewFakeModel(modelResponse)

	rs := resultset.New(time.Hour, 64)
	assembler := promptctx.New(st)
	parser := intent.New(model, st, rs)
	dm := dialog.New(st, 30*time.Minute)
	dc := decompose.New(model, st)
	dispatcher := dispatch.New(st, rs, dm, dc, model)
	sched := scheduler.NewScheduler()
	notifier := notify.New(sched, st, transport.NopAdapter{}, 30)

	return api.NewServer(st, rs, assembler, parser, dm, dispatcher, notifier, sched)
}

// PostJSON builds a POST request with a JSON-encoded body.
func PostJSON(t *testing.T, url string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// DecodeCoreResponse decodes an HTTP response body into a CoreResponse.
func DecodeCoreResponse(t *testing.T, body *bytes.Buffer) models.CoreResponse {
	t.Helper()
	var resp models.CoreResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode CoreResponse: %v", err)
	}
	return resp
}
