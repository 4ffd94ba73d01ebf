package main

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jia/internal/app"
	"jia/internal/streamtime"
)

func TestParseTimeArg(t *testing.T) {
	ts, err := parseTimeArg("1.5")
	require.NoError(t, err)
	assert.Equal(t, streamtime.Timestamp(15_000_000), ts)

	ts, err = parseTimeArg("1970-01-01T00:00:02Z")
	require.NoError(t, err)
	assert.Equal(t, streamtime.Timestamp(20_000_000), ts)

	_, err = parseTimeArg("yesterday")
	assert.Error(t, err)
}

func TestLocalBoards(t *testing.T) {
	ctx := context.Background()
	a, err := app.Open(ctx, t.TempDir(), app.Options{LogOutput: io.Discard})
	require.NoError(t, err)
	defer a.Close()
	var b boards = localBoards{e: a.Engine, actorID: "cli"}

	doc := []byte(`{"title":"cli","panels":[{"id":"p1","data_source":{"code":"c","timeframe":{},
	 "precompute":{"enabled":true,"bucket_width":{"value":1,"scale":{"name":"minutes"}}}}}]}`)
	plan, err := b.Plan(ctx, "", doc)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "enable", plan.Actions[0].Kind)

	res, err := b.Create(ctx, doc)
	require.NoError(t, err)
	var saved struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(res.Board, &saved))

	list, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, saved.ID, list[0].ID)

	plan, err = b.Plan(ctx, saved.ID, []byte(`{"title":"cli","panels":[]}`))
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "disable", plan.Actions[0].Kind)
	assert.NotEmpty(t, plan.Actions[0].TaskID)

	require.NoError(t, b.Delete(ctx, saved.ID))
	_, err = b.Get(ctx, saved.ID)
	assert.Error(t, err)
}
