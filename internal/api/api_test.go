package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// fakeModel is a canned-response stand-in for the model client, local to
// this package's tests to avoid an import cycle with internal/testutil
// (which itself depends on this package to build a *Server).
type fakeModel struct {
	responses []string
	i         int
}

func (f *fakeModel) next() (string, error) {
	if len(f.responses) == 0 {
		return "{}", nil
	}
	if f.i >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	r := f.responses[f.i]
	f.i++
	return r, nil
}

func (f *fakeModel) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return f.next()
}

func (f *fakeModel) RetryJSON(ctx context.Context, system, user string) (string, error) {
	return f.next()
}

func (f *fakeModel) CompleteText(ctx context.Context, system, user string) (string, error) {
	return "ok: " + user, nil
}

// newTestServer builds a Server over an in-memory store for handler-level tests.
func newTestServer(t *testing.T, responses ...string) *Server {
	t.Helper()
	st := store.NewInMemoryStore()
	model := &fakeModel{responses: responses}

	rs := resultset.New(time.Hour, 64)
	assembler := promptctx.New(st)
	parser := intent.New(model, st, rs)
	dm := dialog.New(st, 30*time.Minute)
	dc := decompose.New(model, st)
	dispatcher := dispatch.New(st, rs, dm, dc, model)
	sched := scheduler.NewScheduler()
	notifier := notify.New(sched, st, transport.NopAdapter{}, 30)

	return NewServer(st, rs, assembler, parser, dm, dispatcher, notifier, sched)
}

func postJSON(t *testing.T, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	return req
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.CoreResponse {
	t.Helper()
	var resp models.CoreResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestProcessHandler_MissingUserID(t *testing.T) {
	server := newTestServer(t)

	req := postJSON(t, "/process", `{"message":"hi"}`)
	rr := httptest.NewRecorder()
	server.processHandler(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProcessHandler_MethodNotAllowed(t *testing.T) {
	server := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, "/process", nil)
	rr := httptest.NewRecorder()
	server.processHandler(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestProcessHandler_DuplicateMessageIDIsIgnored(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.st.UpsertUser(models.User{UserID: "u1"}))

	body := `{"user_id":"u1","message":"hello","context":{"message_id":"m1"}}`

	rr1 := httptest.NewRecorder()
	server.processHandler(rr1, postJSON(t, "/process", body))
	assert.Equal(t, http.StatusOK, rr1.Code)

	rr2 := httptest.NewRecorder()
	server.processHandler(rr2, postJSON(t, "/process", body))
	assert.Equal(t, http.StatusOK, rr2.Code)
	resp2 := decodeResponse(t, rr2)
	assert.True(t, resp2.Success)
}

func TestCallbackHandler_MethodNotAllowed(t *testing.T) {
	server := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, "/callback", nil)
	rr := httptest.NewRecorder()
	server.callbackHandler(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCallbackHandler_UnknownGrammarIsHandledGracefully(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.st.UpsertUser(models.User{UserID: "u1"}))

	req := postJSON(t, "/callback", `{"user_id":"u1","callback_data":"not_a_real_token"}`)
	rr := httptest.NewRecorder()
	server.callbackHandler(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decodeResponse(t, rr)
	assert.False(t, resp.Success)
}

func TestCallbackHandler_Cancel(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.st.UpsertUser(models.User{UserID: "u1"}))

	req := postJSON(t, "/callback", `{"user_id":"u1","callback_data":"cancel"}`)
	rr := httptest.NewRecorder()
	server.callbackHandler(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decodeResponse(t, rr)
	assert.True(t, resp.Success)
	assert.Equal(t, models.ResponseTypeFinalText, resp.ResponseType)
}
