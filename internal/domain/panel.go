package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"jia/internal/streamtime"
)

var (
	// ErrMalformedPanel is wrapped by every panel validation failure.
	ErrMalformedPanel = errors.New("malformed panel")
	// ErrUnknownScale is returned for bucket widths with an unsupported scale.
	ErrUnknownScale = errors.New("unknown bucket width scale")
)

// MalformedPanelError reports which panel failed validation and why.
type MalformedPanelError struct {
	Index   int
	PanelID string
	Reason  string
}

func (e *MalformedPanelError) Error() string {
	if e.PanelID != "" {
		return fmt.Sprintf("malformed panel %s: %s", e.PanelID, e.Reason)
	}
	return fmt.Sprintf("malformed panel at index %d: %s", e.Index, e.Reason)
}

func (e *MalformedPanelError) Unwrap() error { return ErrMalformedPanel }

var scaleSeconds = map[string]float64{
	"seconds": 1,
	"minutes": 60,
	"hours":   3600,
	"days":    86400,
	"weeks":   604800,
}

// Scale names a bucket width unit.
type Scale struct {
	Name string `json:"name"`
}

// BucketWidth is the time-bucketing granularity of a precompute task.
type BucketWidth struct {
	Value float64 `json:"value"`
	Scale Scale   `json:"scale"`
}

// UnmarshalJSON accepts the value as a JSON number or a numeric string,
// since form inputs post it either way.
func (b *BucketWidth) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value json.RawMessage `json:"value"`
		Scale Scale           `json:"scale"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Scale = raw.Scale
	b.Value = 0
	v := bytes.TrimSpace(raw.Value)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("bucket_width.value: %w", err)
		}
		b.Value = f
		return nil
	}
	return json.Unmarshal(v, &b.Value)
}

// Seconds converts the width through the fixed scale table.
func (b BucketWidth) Seconds() (float64, error) {
	mult, ok := scaleSeconds[b.Scale.Name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownScale, b.Scale.Name)
	}
	return b.Value * mult, nil
}

func (b BucketWidth) Duration() (time.Duration, error) {
	secs, err := b.Seconds()
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Ticks expresses the width in stream engine tick units.
func (b BucketWidth) Ticks() (streamtime.Timestamp, error) {
	d, err := b.Duration()
	if err != nil {
		return 0, err
	}
	return streamtime.DurationToTicks(d), nil
}

// Timeframe bounds a panel query window. Its shape is owned by the client,
// so it is held as canonical JSON and compared structurally.
type Timeframe struct {
	canonical string
}

// NewTimeframe builds a Timeframe from any JSON-encodable value.
func NewTimeframe(v any) (Timeframe, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Timeframe{}, err
	}
	var tf Timeframe
	return tf, tf.UnmarshalJSON(data)
}

func (t Timeframe) IsZero() bool { return t.canonical == "" }

// Decode unmarshals the timeframe into v.
func (t Timeframe) Decode(v any) error {
	if t.canonical == "" {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal([]byte(t.canonical), v)
}

func (t Timeframe) MarshalJSON() ([]byte, error) {
	if t.canonical == "" {
		return []byte("null"), nil
	}
	return []byte(t.canonical), nil
}

func (t *Timeframe) UnmarshalJSON(data []byte) error {
	canon, err := canonicalJSON(data)
	if err != nil {
		return fmt.Errorf("timeframe: %w", err)
	}
	if canon == "null" {
		canon = ""
	}
	t.canonical = canon
	return nil
}

// Precompute is a panel's background aggregation setting. TaskID is set only
// while Enabled is true and a task is running.
type Precompute struct {
	Enabled     bool
	BucketWidth BucketWidth
	TaskID      string
	Extra       map[string]json.RawMessage
}

type precomputeWire struct {
	Enabled     bool        `json:"enabled"`
	BucketWidth BucketWidth `json:"bucket_width"`
	TaskID      string      `json:"task_id,omitempty"`
}

func (p Precompute) MarshalJSON() ([]byte, error) {
	return mergeObject(p.Extra, precomputeWire{
		Enabled:     p.Enabled,
		BucketWidth: p.BucketWidth,
		TaskID:      p.TaskID,
	})
}

func (p *Precompute) UnmarshalJSON(data []byte) error {
	var w precomputeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	extra, err := extraFields(data, "enabled", "bucket_width", "task_id")
	if err != nil {
		return err
	}
	*p = Precompute{Enabled: w.Enabled, BucketWidth: w.BucketWidth, TaskID: w.TaskID, Extra: extra}
	return nil
}

// Equivalent compares settings, ignoring the task handle.
func (p Precompute) Equivalent(o Precompute) bool {
	return p.Enabled == o.Enabled &&
		p.BucketWidth == o.BucketWidth &&
		rawMapsEqual(p.Extra, o.Extra)
}

// DataSource is the query configuration backing a panel.
type DataSource struct {
	Code       string
	Timeframe  Timeframe
	Precompute Precompute
	Extra      map[string]json.RawMessage
}

type dataSourceWire struct {
	Code       string     `json:"code"`
	Timeframe  Timeframe  `json:"timeframe"`
	Precompute Precompute `json:"precompute"`
}

func (d DataSource) MarshalJSON() ([]byte, error) {
	return mergeObject(d.Extra, dataSourceWire{Code: d.Code, Timeframe: d.Timeframe, Precompute: d.Precompute})
}

func (d *DataSource) UnmarshalJSON(data []byte) error {
	var w dataSourceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	extra, err := extraFields(data, "code", "timeframe", "precompute")
	if err != nil {
		return err
	}
	*d = DataSource{Code: w.Code, Timeframe: w.Timeframe, Precompute: w.Precompute, Extra: extra}
	return nil
}

// MateriallyEqual reports whether two data sources would run the same
// precompute task: same code, timeframe and precompute settings.
func (d DataSource) MateriallyEqual(o DataSource) bool {
	return d.Code == o.Code &&
		d.Timeframe == o.Timeframe &&
		d.Precompute.Equivalent(o.Precompute)
}

// Panel is one visualization on a board. Display holds every field the
// backend does not interpret.
type Panel struct {
	ID         string
	DataSource DataSource
	Display    map[string]json.RawMessage
}

type panelWire struct {
	ID         string     `json:"id,omitempty"`
	DataSource DataSource `json:"data_source"`
}

func (p Panel) MarshalJSON() ([]byte, error) {
	return mergeObject(p.Display, panelWire{ID: p.ID, DataSource: p.DataSource})
}

func (p *Panel) UnmarshalJSON(data []byte) error {
	var w panelWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	display, err := extraFields(data, "id", "data_source")
	if err != nil {
		return err
	}
	*p = Panel{ID: w.ID, DataSource: w.DataSource, Display: display}
	return nil
}

// PrecomputeEnabled is shorthand for p.DataSource.Precompute.Enabled.
func (p Panel) PrecomputeEnabled() bool { return p.DataSource.Precompute.Enabled }

// TaskID is shorthand for p.DataSource.Precompute.TaskID.
func (p Panel) TaskID() string { return p.DataSource.Precompute.TaskID }

// Clone returns a copy that shares no maps with p.
func (p Panel) Clone() Panel {
	out := p
	out.Display = cloneRaw(p.Display)
	out.DataSource.Extra = cloneRaw(p.DataSource.Extra)
	out.DataSource.Precompute.Extra = cloneRaw(p.DataSource.Precompute.Extra)
	return out
}

func mergeObject(extra map[string]json.RawMessage, known any) ([]byte, error) {
	data, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	merged := make(map[string]json.RawMessage, len(extra)+4)
	for k, v := range extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// extraFields returns the object's members minus known keys and keys
// reserved for the stream engine.
func extraFields(data []byte, known ...string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	for k := range all {
		if streamtime.IsReservedKey(k) {
			delete(all, k)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// canonicalJSON sorts object keys and drops insignificant whitespace.
// Numbers keep their literal text so large integers survive unchanged.
func canonicalJSON(data []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", errors.New("unexpected data after JSON value")
	}
	out, err := json.Marshal(normalizeNumbers(v))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// normalizeNumbers rewrites decimal or exponent forms of the same float64
// to one spelling. Integer literals are kept as written.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
	case json.Number:
		lit := string(x)
		if !strings.ContainsAny(lit, ".eE") {
			return x
		}
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return x
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return json.Number(strconv.FormatInt(int64(f), 10))
		}
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return v
}

func rawMapsEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		ac, err1 := canonicalJSON(av)
		bc, err2 := canonicalJSON(bv)
		if err1 != nil || err2 != nil || ac != bc {
			return false
		}
	}
	return true
}

func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
