package jiasdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jia/internal/app"
	"jia/internal/domain"
	"jia/internal/precompute"
	jiasdk "jia/sdk/go"
)

type downCompute struct{ *precompute.Memory }

func (downCompute) Enable(_ context.Context, p domain.Panel) (string, error) {
	return "", &precompute.RemoteServiceError{Op: "enable", PanelID: p.ID, StatusCode: 503, Err: errors.New("compute down")}
}

func newClient(t *testing.T, compute precompute.Client) *jiasdk.Client {
	t.Helper()
	a, err := app.Open(context.Background(), t.TempDir(), app.Options{Compute: compute, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	h, err := a.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := jiasdk.New(srv.URL)
	c.ActorID = "sdk-tester"
	return c
}

const doc = `{"title":"Latency","panels":[{"id":"p1","data_source":{"code":"p99()","timeframe":{"mode":"recent"},
 "precompute":{"enabled":true,"bucket_width":{"value":5,"scale":{"name":"minutes"}}}}}]}`

func TestBoardRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, precompute.NewMemory())

	plan, err := c.PlanBoard(ctx, "new", []byte(doc))
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "enable", plan.Actions[0].Kind)
	assert.Equal(t, "created", plan.Actions[0].Reason)

	res, err := c.CreateBoard(ctx, []byte(doc))
	require.NoError(t, err)
	assert.Empty(t, res.UnknownPanels)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(res.Board, &created))
	require.NotEmpty(t, created.ID)

	boards, err := c.ListBoards(ctx)
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.Equal(t, "Latency", boards[0].Title)

	got, err := c.GetBoard(ctx, created.ID)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"task_id"`)

	_, err = c.SaveBoard(ctx, created.ID, got)
	require.NoError(t, err)

	page, err := c.EventsPage(ctx, created.ID, 10, "")
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	assert.Equal(t, "board.saved", page.Items[0].Type)
	assert.Equal(t, "sdk-tester", page.Items[0].ActorID)

	require.NoError(t, c.DeleteBoard(ctx, created.ID))
	_, err = c.GetBoard(ctx, created.ID)
	var ae *jiasdk.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 404, ae.StatusCode)
}

func TestPrecomputeFailure(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, downCompute{precompute.NewMemory()})

	_, err := c.CreateBoard(ctx, []byte(doc))
	require.Error(t, err)
	assert.True(t, jiasdk.IsPrecomputeFailure(err))
	var ae *jiasdk.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 502, ae.StatusCode)
	assert.Equal(t, []string{"p1"}, ae.UnknownPanels())

	orphans, err := c.OrphanedTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestUnauthenticated(t *testing.T) {
	c := newClient(t, nil)
	c.ActorID = ""
	_, err := c.ListBoards(context.Background())
	var ae *jiasdk.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 401, ae.StatusCode)
	assert.Equal(t, "unauthorized", ae.Code)
}

func TestStatusAndTime(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, nil)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, "memory", st.ComputeMode)

	tm, err := c.ConvertTime(ctx, url.Values{"epoch_seconds": {"1.5"}})
	require.NoError(t, err)
	assert.Equal(t, int64(15_000_000), tm.Ticks)
	assert.Equal(t, "1970-01-01T00:00:01.5Z", tm.Instant)

	_, err = c.ConvertTime(ctx, url.Values{"ticks": {"1"}, "instant": {"2020-01-01T00:00:00Z"}})
	var ae *jiasdk.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 400, ae.StatusCode)
}
