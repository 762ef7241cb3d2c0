package stitcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiesman99/geostitch/internal/export"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// State is a stage of a stitch request
type State int

const (
	Planned State = iota
	Fetching
	Assembling
	Exporting
	Done
	Failed
)

var stateNames = [...]string{"planned", "fetching", "assembling", "exporting", "done", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool { return s == Done || s == Failed }

// Transition records when a state was entered
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// FailedTile is a JSON friendly tile failure
type FailedTile struct {
	Index int    `json:"index"`
	Tile  string `json:"tile"`
	Error string `json:"error"`
}

// Report summarises a request. Failed tile counts are always populated once fetching ran.
type Report struct {
	RequestID string           `json:"request_id"`
	Map       string           `json:"map"`
	BBox      tile.BoundingBox `json:"bbox"`
	Zoom      int              `json:"zoom"`
	State     State            `json:"state"`
	History   []Transition     `json:"history"`

	Tiles       int          `json:"tiles"`
	Fetched     int          `json:"fetched"`
	Cached      int          `json:"cached"`
	Failed      int          `json:"failed"`
	FailedTiles []FailedTile `json:"failed_tiles,omitempty"`

	Width  int            `json:"width,omitempty"`
	Height int            `json:"height,omitempty"`
	Output *export.Output `json:"output,omitempty"`

	Elapsed time.Duration `json:"elapsed"`
	Err     error         `json:"-"`

	now func() time.Time
}

func newReport(id string, now func() time.Time) *Report {
	r := &Report{RequestID: id, now: now}
	r.History = []Transition{{State: Planned, At: now()}}
	return r
}

// advance moves the report forward. Going back, or leaving a terminal state, is a programming error.
func (r *Report) advance(to State) error {
	if r.State.Terminal() {
		return fmt.Errorf("request %s already %s, cannot move to %s", r.RequestID, r.State, to)
	}
	if to != Failed && to <= r.State {
		return fmt.Errorf("request %s cannot move from %s back to %s", r.RequestID, r.State, to)
	}
	r.State = to
	r.History = append(r.History, Transition{State: to, At: r.now()})
	r.Elapsed = r.now().Sub(r.History[0].At)
	return nil
}

func (r *Report) fail(err error) error {
	r.Err = err
	if !r.State.Terminal() {
		_ = r.advance(Failed)
	}
	return err
}

func (r *Report) recordFailures(failures []tile.Failure, slot func(tile.Failure) int) {
	r.Failed = len(failures)
	r.FailedTiles = r.FailedTiles[:0]
	for _, f := range failures {
		r.FailedTiles = append(r.FailedTiles, FailedTile{
			Index: slot(f),
			Tile:  fmt.Sprintf("%d/%d/%d", f.Tile.Z, f.Tile.X, f.Tile.Y),
			Error: f.Err.Error(),
		})
	}
}

// FailedIndices returns the plan slots that hold the fill value
func (r *Report) FailedIndices() []int {
	out := make([]int, len(r.FailedTiles))
	for i, f := range r.FailedTiles {
		out[i] = f.Index
	}
	return out
}

// MarshalJSON adds the error text, which error values cannot carry on their own
func (r *Report) MarshalJSON() ([]byte, error) {
	type plain Report
	var msg string
	if r.Err != nil {
		msg = r.Err.Error()
	}
	return json.Marshal(struct {
		*plain
		Error string `json:"error,omitempty"`
	}{(*plain)(r), msg})
}
