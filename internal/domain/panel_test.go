package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const panelJSON = `{
  "id": "p1",
  "title": "Signups",
  "display": {"type": "timeseries"},
  "@ignored": 1,
  "data_source": {
    "source_type": "pycode",
    "code": "print(1)",
    "timeframe": {"mode": "recent", "value": 2, "scale": {"name": "days"}},
    "precompute": {"enabled": true, "bucket_width": {"value": 1, "scale": {"name": "hours"}}, "task_id": "t-1"}
  }
}`

func TestPanelRoundTripKeepsDisplayFields(t *testing.T) {
	var p Panel
	require.NoError(t, json.Unmarshal([]byte(panelJSON), &p))
	assert.Equal(t, "p1", p.ID)
	assert.True(t, p.PrecomputeEnabled())
	assert.Equal(t, "t-1", p.TaskID())
	assert.Equal(t, BucketWidth{Value: 1, Scale: Scale{Name: "hours"}}, p.DataSource.Precompute.BucketWidth)
	assert.NotContains(t, p.Display, "@ignored")

	out, err := json.Marshal(p)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.Equal(t, "Signups", generic["title"])
	assert.Equal(t, map[string]any{"type": "timeseries"}, generic["display"])
	ds := generic["data_source"].(map[string]any)
	assert.Equal(t, "pycode", ds["source_type"])
	pc := ds["precompute"].(map[string]any)
	assert.Equal(t, true, pc["enabled"])
	assert.Equal(t, "t-1", pc["task_id"])
	assert.Equal(t, map[string]any{"value": 1.0, "scale": map[string]any{"name": "hours"}}, pc["bucket_width"])
}

func TestTaskIDOmittedWhenEmpty(t *testing.T) {
	out, err := json.Marshal(Precompute{Enabled: false, BucketWidth: BucketWidth{Value: 1, Scale: Scale{Name: "days"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":false,"bucket_width":{"value":1,"scale":{"name":"days"}}}`, string(out))
}

func TestBucketWidth(t *testing.T) {
	tests := []struct {
		scale string
		value float64
		want  float64
	}{
		{"seconds", 30, 30},
		{"minutes", 5, 300},
		{"hours", 1, 3600},
		{"days", 1, 86400},
		{"weeks", 2, 1209600},
	}
	for _, tt := range tests {
		t.Run(tt.scale, func(t *testing.T) {
			got, err := BucketWidth{Value: tt.value, Scale: Scale{Name: tt.scale}}.Seconds()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	_, err := BucketWidth{Value: 1, Scale: Scale{Name: "fortnights"}}.Seconds()
	assert.ErrorIs(t, err, ErrUnknownScale)

	d, err := BucketWidth{Value: 1.5, Scale: Scale{Name: "hours"}}.Duration()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	ticks, err := BucketWidth{Value: 1, Scale: Scale{Name: "seconds"}}.Ticks()
	require.NoError(t, err)
	assert.EqualValues(t, 10_000_000, ticks)

	var fromString BucketWidth
	require.NoError(t, json.Unmarshal([]byte(`{"value":"3","scale":{"name":"minutes"}}`), &fromString))
	assert.Equal(t, 3.0, fromString.Value)
}

func TestTimeframeKeepsLargeIntegers(t *testing.T) {
	var tf Timeframe
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"absolute", "from":17000000000000001,"to":1.5e3}`), &tf))
	out, err := json.Marshal(tf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":17000000000000001,"mode":"absolute","to":1500}`, string(out))
	assert.Contains(t, string(out), "17000000000000001")

	var p Panel
	raw := `{"id":"p1","data_source":{"code":"x","timeframe":{"from":17000000000000001},"precompute":{"enabled":false}}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	out, err = json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"timeframe":{"from":17000000000000001}`)

	var other Timeframe
	require.NoError(t, json.Unmarshal([]byte(`{"from":17000000000000002}`), &other))
	assert.NotEqual(t, p.DataSource.Timeframe, other)
}

func TestMateriallyEqual(t *testing.T) {
	var base Panel
	require.NoError(t, json.Unmarshal([]byte(panelJSON), &base))

	same := base.Clone()
	same.DataSource.Precompute.TaskID = "other"
	same.Display["title"] = json.RawMessage(`"Renamed"`)
	assert.True(t, base.DataSource.MateriallyEqual(same.DataSource), "task id and display must not matter")

	reordered := base.Clone()
	require.NoError(t, json.Unmarshal([]byte(`{"scale":{"name":"days"},"value":2.0,"mode":"recent"}`), &reordered.DataSource.Timeframe))
	assert.True(t, base.DataSource.MateriallyEqual(reordered.DataSource))

	code := base.Clone()
	code.DataSource.Code = "print(2)"
	assert.False(t, base.DataSource.MateriallyEqual(code.DataSource))

	tf := base.Clone()
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"recent","value":3,"scale":{"name":"days"}}`), &tf.DataSource.Timeframe))
	assert.False(t, base.DataSource.MateriallyEqual(tf.DataSource))

	width := base.Clone()
	width.DataSource.Precompute.BucketWidth.Scale.Name = "days"
	assert.False(t, base.DataSource.MateriallyEqual(width.DataSource))
}

func TestDecodePanelsStrict(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{"not array", `{"id":"x"}`, "panels must be an array"},
		{"missing id", `[{"data_source":{"precompute":{"enabled":false}}}]`, "id is required"},
		{"missing data source", `[{"id":"a"}]`, "data_source is required"},
		{"missing precompute", `[{"id":"a","data_source":{"code":""}}]`, "data_source.precompute is required"},
		{"duplicate", `[{"id":"a","data_source":{"precompute":{"enabled":false}}},{"id":"a","data_source":{"precompute":{"enabled":false}}}]`, "duplicate panel id"},
		{"bad scale", `[{"id":"a","data_source":{"code":"","timeframe":{},"precompute":{"enabled":true,"bucket_width":{"value":1,"scale":{"name":"eons"}}}}}]`, "unknown bucket width scale"},
		{"zero width", `[{"id":"a","data_source":{"code":"","timeframe":{},"precompute":{"enabled":true,"bucket_width":{"value":0,"scale":{"name":"hours"}}}}}]`, "bucket_width must be positive"},
		{"enabled without code", `[{"id":"a","data_source":{"timeframe":{},"precompute":{"enabled":true,"bucket_width":{"value":1,"scale":{"name":"hours"}}}}}]`, "data_source.code is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePanels([]byte(tt.input), Strict)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedPanel)
			var mpe *MalformedPanelError
			require.True(t, errors.As(err, &mpe))
			assert.Contains(t, mpe.Reason, tt.reason)
		})
	}

	set, err := DecodePanels([]byte(`[`+panelJSON+`,{"id":"p2","data_source":{"precompute":{"enabled":false}}}]`), Strict)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, set.IDs())
	assert.Equal(t, map[string]int{"p1": 0, "p2": 1}, set.Index())
}

func TestDecodePanelsLenientLegacy(t *testing.T) {
	legacy := `[{"data_source":{"code":"x","precompute":{"enabled":true}}},{"id":"p9","data_source":{"precompute":{"enabled":true}}}]`
	set, err := DecodePanels([]byte(legacy), Lenient)
	require.NoError(t, err)
	assert.Empty(t, set)

	set, err = DecodePanels([]byte(`[{"id":"old","data_source":"garbage"}]`), Lenient)
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.False(t, set[0].PrecomputeEnabled())

	set, err = DecodePanels(nil, Lenient)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestBoardDocument(t *testing.T) {
	doc := `{"id":"b1","title":"Growth","layout":"grid","panels":[` + panelJSON + `]}`
	b, err := DecodeBoard([]byte(doc), Strict)
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, "Growth", b.Title)
	require.Len(t, b.Panels, 1)

	out, err := json.Marshal(b)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.Equal(t, "grid", generic["layout"])
	assert.Len(t, generic["panels"], 1)

	empty, err := json.Marshal(Board{ID: "b2"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"b2","title":"","panels":[]}`, string(empty))
}
