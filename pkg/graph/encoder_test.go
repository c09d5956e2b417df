package graph

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/HatiCode/rackwatch/pkg/telemetry"
)

func TestEncode_ThreeNodes(t *testing.T) {
	snap := &telemetry.Snapshot{
		Rack:      0,
		Timestamp: "t0",
		NodeIDs:   []int{1, 2, 10},
		Columns:   []string{"a", "b"},
		Rows: [][]float64{
			{0, 5},
			{5, 5},
			{10, 5},
		},
	}

	p, err := Encode(snap)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	wantX := [][]float64{{0, 0}, {0.5, 0}, {1, 0}}
	if !reflect.DeepEqual(p.X, wantX) {
		t.Errorf("X = %v, want %v", p.X, wantX)
	}

	wantEdges := [2][]int{{0, 1, 1, 2}, {1, 0, 2, 1}}
	if !reflect.DeepEqual(p.EdgeIndex, wantEdges) {
		t.Errorf("EdgeIndex = %v, want %v", p.EdgeIndex, wantEdges)
	}
	if p.Nodes() != 3 {
		t.Errorf("Nodes() = %d, want 3", p.Nodes())
	}
}

func TestEncode_DoesNotMutateSnapshot(t *testing.T) {
	rows := [][]float64{{1, 2}, {3, 4}}
	snap := &telemetry.Snapshot{Rows: rows, NodeIDs: []int{0, 1}}

	if _, err := Encode(snap); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(snap.Rows, [][]float64{{1, 2}, {3, 4}}) {
		t.Errorf("snapshot rows mutated: %v", snap.Rows)
	}
}

func TestEncode_Empty(t *testing.T) {
	for _, snap := range []*telemetry.Snapshot{nil, {}} {
		if _, err := Encode(snap); !errors.Is(err, ErrEmptySnapshot) {
			t.Errorf("Encode(%v) error = %v, want ErrEmptySnapshot", snap, err)
		}
	}
}

func TestChainEdges(t *testing.T) {
	tests := []struct {
		n    int
		want [2][]int
	}{
		{n: 1, want: [2][]int{{}, {}}},
		{n: 2, want: [2][]int{{0, 1}, {1, 0}}},
		{n: 4, want: [2][]int{{0, 1, 1, 2, 2, 3}, {1, 0, 2, 1, 3, 2}}},
	}

	for _, tt := range tests {
		got := ChainEdges(tt.n)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ChainEdges(%d) = %v, want %v", tt.n, got, tt.want)
		}
		if tt.n > 0 && len(got[0]) != 2*tt.n-2 {
			t.Errorf("ChainEdges(%d) has %d edges, want %d", tt.n, len(got[0]), 2*tt.n-2)
		}
	}
}

func TestPayload_JSON(t *testing.T) {
	p, err := Encode(&telemetry.Snapshot{Rows: [][]float64{{3}}, NodeIDs: []int{0}})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"x":[[0]],"edge_index":[[],[]]}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestScale_Range(t *testing.T) {
	rows := [][]float64{{-2, 100}, {0, 50}, {2, 0}, {1, 75}}
	got := Scale(rows)
	for i, r := range got {
		for c, v := range r {
			if v < 0 || v > 1 {
				t.Errorf("Scale()[%d][%d] = %v, outside [0, 1]", i, c, v)
			}
		}
	}
	if got[0][0] != 0 || got[2][0] != 1 || got[0][1] != 1 || got[2][1] != 0 {
		t.Errorf("Scale() extremes wrong: %v", got)
	}
}

func TestScale_ExtremeValues(t *testing.T) {
	tests := []struct {
		name string
		col  []float64
		want []float64
	}{
		{name: "full float range", col: []float64{-math.MaxFloat64, math.MaxFloat64, 0}, want: []float64{0, 1, 0.5}},
		{name: "infinite cell", col: []float64{1, math.Inf(1), 3}, want: []float64{0, 0, 1}},
		{name: "negative infinity", col: []float64{math.Inf(-1), 2, 4}, want: []float64{0, 0, 1}},
		{name: "NaN cell", col: []float64{math.NaN(), 5, 10}, want: []float64{0, 0, 1}},
		{name: "no finite cells", col: []float64{math.NaN(), math.Inf(1)}, want: []float64{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := make([][]float64, len(tt.col))
			for i, v := range tt.col {
				rows[i] = []float64{v}
			}
			got := Scale(rows)
			for i, r := range got {
				if r[0] != tt.want[i] {
					t.Errorf("Scale()[%d] = %v, want %v", i, r[0], tt.want[i])
				}
			}
			if _, err := json.Marshal(Payload{X: got}); err != nil {
				t.Errorf("scaled rows do not encode: %v", err)
			}
		})
	}
}
