package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PanelSet holds a board's panels in submitted order, keyed by panel id.
type PanelSet []Panel

// DecodeMode selects how strictly panels are validated.
type DecodeMode int

const (
	// Strict validates panels submitted for saving.
	Strict DecodeMode = iota
	// Lenient reads persisted panels. A set that contains any id-less panel
	// predates panel ids and decodes as empty.
	Lenient
)

// Index maps panel ids to positions.
func (s PanelSet) Index() map[string]int {
	idx := make(map[string]int, len(s))
	for i, p := range s {
		if p.ID != "" {
			idx[p.ID] = i
		}
	}
	return idx
}

// Lookup returns the panel with the given id.
func (s PanelSet) Lookup(id string) (Panel, bool) {
	for _, p := range s {
		if p.ID == id {
			return p, true
		}
	}
	return Panel{}, false
}

func (s PanelSet) Clone() PanelSet {
	if s == nil {
		return nil
	}
	out := make(PanelSet, len(s))
	for i, p := range s {
		out[i] = p.Clone()
	}
	return out
}

// HasLegacyPanel reports whether any panel lacks an id.
func (s PanelSet) HasLegacyPanel() bool {
	for _, p := range s {
		if p.ID == "" {
			return true
		}
	}
	return false
}

// IDs returns panel ids in order.
func (s PanelSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for _, p := range s {
		ids = append(ids, p.ID)
	}
	return ids
}

// DecodePanels decodes a JSON array of panels.
func DecodePanels(data []byte, mode DecodeMode) (PanelSet, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return PanelSet{}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		if mode == Lenient {
			return nil, fmt.Errorf("decode stored panels: %w", err)
		}
		return nil, &MalformedPanelError{Index: -1, Reason: "panels must be an array"}
	}
	if mode == Lenient {
		return decodeLenient(raws)
	}
	return decodeStrict(raws)
}

func decodeLenient(raws []json.RawMessage) (PanelSet, error) {
	set := make(PanelSet, 0, len(raws))
	for _, raw := range raws {
		var p Panel
		if err := json.Unmarshal(raw, &p); err != nil {
			// Stored panels that no longer parse cannot hold a running task.
			var fields map[string]json.RawMessage
			if json.Unmarshal(raw, &fields) != nil {
				return nil, fmt.Errorf("decode stored panel: %w", err)
			}
			var id string
			_ = json.Unmarshal(fields["id"], &id)
			p = Panel{ID: id}
		}
		if p.ID == "" {
			return PanelSet{}, nil
		}
		set = append(set, p)
	}
	return set, nil
}

func decodeStrict(raws []json.RawMessage) (PanelSet, error) {
	set := make(PanelSet, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for i, raw := range raws {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, &MalformedPanelError{Index: i, Reason: "panel must be an object"}
		}
		var id string
		if err := json.Unmarshal(fields["id"], &id); err != nil || strings.TrimSpace(id) == "" {
			return nil, &MalformedPanelError{Index: i, Reason: "id is required"}
		}
		if _, dup := seen[id]; dup {
			return nil, &MalformedPanelError{Index: i, PanelID: id, Reason: "duplicate panel id"}
		}
		seen[id] = struct{}{}
		var ds map[string]json.RawMessage
		if err := json.Unmarshal(fields["data_source"], &ds); err != nil || ds == nil {
			return nil, &MalformedPanelError{Index: i, PanelID: id, Reason: "data_source is required"}
		}
		var pc map[string]json.RawMessage
		if err := json.Unmarshal(ds["precompute"], &pc); err != nil || pc == nil {
			return nil, &MalformedPanelError{Index: i, PanelID: id, Reason: "data_source.precompute is required"}
		}
		var p Panel
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &MalformedPanelError{Index: i, PanelID: id, Reason: err.Error()}
		}
		if err := validatePanel(p, ds); err != nil {
			return nil, &MalformedPanelError{Index: i, PanelID: id, Reason: err.Error()}
		}
		set = append(set, p)
	}
	return set, nil
}

func validatePanel(p Panel, ds map[string]json.RawMessage) error {
	pc := p.DataSource.Precompute
	if !pc.Enabled {
		return nil
	}
	if _, ok := ds["code"]; !ok {
		return fmt.Errorf("data_source.code is required when precompute is enabled")
	}
	if _, ok := ds["timeframe"]; !ok {
		return fmt.Errorf("data_source.timeframe is required when precompute is enabled")
	}
	secs, err := pc.BucketWidth.Seconds()
	if err != nil {
		return err
	}
	if secs <= 0 {
		return fmt.Errorf("bucket_width must be positive")
	}
	return nil
}

type boardWire struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Panels PanelSet `json:"panels"`
}

func (b Board) MarshalJSON() ([]byte, error) {
	panels := b.Panels
	if panels == nil {
		panels = PanelSet{}
	}
	return mergeObject(b.Extra, boardWire{ID: b.ID, Title: b.Title, Panels: panels})
}

// DecodeBoard parses a board document, validating its panels per mode.
func DecodeBoard(data []byte, mode DecodeMode) (Board, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		if mode == Lenient {
			return Board{}, fmt.Errorf("decode stored board: %w", err)
		}
		return Board{}, &MalformedPanelError{Index: -1, Reason: "board must be a JSON object"}
	}
	var b Board
	if raw, ok := fields["id"]; ok {
		_ = json.Unmarshal(raw, &b.ID)
	}
	if raw, ok := fields["title"]; ok {
		_ = json.Unmarshal(raw, &b.Title)
	}
	panels, err := DecodePanels(fields["panels"], mode)
	if err != nil {
		return Board{}, err
	}
	b.Panels = panels
	extra, err := extraFields(data, "id", "title", "panels")
	if err != nil {
		return Board{}, err
	}
	b.Extra = extra
	return b, nil
}
