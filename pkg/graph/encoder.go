// Package graph encodes rack snapshots into the chain-graph payload the GNN
// inference service consumes.
package graph

import (
	"errors"
	"math"

	"github.com/HatiCode/rackwatch/pkg/telemetry"
)

// ErrEmptySnapshot is returned when a snapshot has no rows to encode.
var ErrEmptySnapshot = errors.New("graph: snapshot has no nodes")

// Payload is the request body for one inference call.
// X has one row per node in snapshot order. EdgeIndex[0] holds edge sources
// and EdgeIndex[1] the matching destinations.
type Payload struct {
	X         [][]float64 `json:"x"`
	EdgeIndex [2][]int    `json:"edge_index"`
}

// Nodes returns the number of nodes in the payload.
func (p Payload) Nodes() int {
	return len(p.X)
}

// Encode min-max scales each feature column of the snapshot to [0, 1] and
// links node i to its neighbours i-1 and i+1 in both directions.
// A column whose values are all equal scales to 0.
func Encode(snap *telemetry.Snapshot) (Payload, error) {
	if snap == nil || len(snap.Rows) == 0 {
		return Payload{}, ErrEmptySnapshot
	}
	return Payload{
		X:         Scale(snap.Rows),
		EdgeIndex: ChainEdges(len(snap.Rows)),
	}, nil
}

// Scale returns a min-max scaled copy of rows, column by column. Every output
// value lies in [0, 1]: non-finite cells scale to 0 and do not count towards
// the column range, and the range is taken on halved values so that it cannot
// overflow.
func Scale(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	if len(rows) == 0 {
		return out
	}

	width := len(rows[0])
	lo := make([]float64, width)
	hi := make([]float64, width)
	for c := 0; c < width; c++ {
		lo[c], hi[c] = math.Inf(1), math.Inf(-1)
	}
	for _, r := range rows {
		for c := 0; c < width; c++ {
			if finite(r[c]) {
				lo[c] = min(lo[c], r[c]/2)
				hi[c] = max(hi[c], r[c]/2)
			}
		}
	}

	for i, r := range rows {
		scaled := make([]float64, width)
		for c := 0; c < width; c++ {
			if span := hi[c] - lo[c]; finite(r[c]) && span > 0 {
				scaled[c] = (r[c]/2 - lo[c]) / span
			}
		}
		out[i] = scaled
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ChainEdges returns the 2n-2 directed edges of an n-node chain as
// [sources, destinations]. Edges are listed node by node: (i, i-1) then (i, i+1).
func ChainEdges(n int) [2][]int {
	edges := [2][]int{{}, {}}
	if n < 2 {
		return edges
	}
	edges[0] = make([]int, 0, 2*n-2)
	edges[1] = make([]int, 0, 2*n-2)
	for i := 0; i < n; i++ {
		if i > 0 {
			edges[0] = append(edges[0], i)
			edges[1] = append(edges[1], i-1)
		}
		if i < n-1 {
			edges[0] = append(edges[0], i)
			edges[1] = append(edges[1], i+1)
		}
	}
	return edges
}
