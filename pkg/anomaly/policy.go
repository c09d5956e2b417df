// Package anomaly turns raw per-node scores into anomaly flags using
// per-forecast-window thresholds. Scores are never modified.
package anomaly

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Direction selects which side of the threshold is anomalous.
type Direction string

const (
	// Above flags scores strictly greater than the threshold.
	Above Direction = "above"
	// Below flags scores strictly less than the threshold.
	Below Direction = "below"
)

// DefaultThreshold applies to forecast windows without their own threshold.
const DefaultThreshold = 0.07

// DefaultThresholds are the per-window cut-offs calibrated for the
// production model.
var DefaultThresholds = map[int]float64{
	4:   0.133077,
	6:   0.111795,
	12:  0.078974,
	24:  0.060513,
	32:  0.067949,
	64:  0.061026,
	96:  0.068462,
	192: 0.068205,
	288: 0.074615,
}

// Policy decides which node scores are anomalous.
type Policy struct {
	// Thresholds maps a forecast window to its threshold.
	Thresholds map[int]float64

	// Default is used for windows missing from Thresholds.
	Default float64

	Direction Direction
}

// DefaultPolicy returns a policy with DefaultThresholds and Above.
func DefaultPolicy() Policy {
	t := make(map[int]float64, len(DefaultThresholds))
	for fw, v := range DefaultThresholds {
		t[fw] = v
	}
	return Policy{Thresholds: t, Default: DefaultThreshold, Direction: Above}
}

// Threshold returns the threshold used for a forecast window.
func (p Policy) Threshold(fw int) float64 {
	if v, ok := p.Thresholds[fw]; ok {
		return v
	}
	return p.Default
}

// IsAnomalous reports whether score crosses the window's threshold.
func (p Policy) IsAnomalous(fw int, score float64) bool {
	th := p.Threshold(fw)
	if p.Direction == Below {
		return score < th
	}
	return score > th
}

// Flag returns the indices of anomalous scores, in ascending order.
func (p Policy) Flag(fw int, scores []float64) []int {
	flagged := make([]int, 0)
	for i, s := range scores {
		if p.IsAnomalous(fw, s) {
			flagged = append(flagged, i)
		}
	}
	return flagged
}

// Merge returns a copy of p with overrides replacing its thresholds.
func (p Policy) Merge(overrides map[int]float64) Policy {
	out := p
	out.Thresholds = make(map[int]float64, len(p.Thresholds)+len(overrides))
	for fw, v := range p.Thresholds {
		out.Thresholds[fw] = v
	}
	for fw, v := range overrides {
		out.Thresholds[fw] = v
	}
	return out
}

// String renders the thresholds in ParseThresholds form.
func (p Policy) String() string {
	fws := make([]int, 0, len(p.Thresholds))
	for fw := range p.Thresholds {
		fws = append(fws, fw)
	}
	sort.Ints(fws)

	parts := make([]string, len(fws))
	for i, fw := range fws {
		parts[i] = fmt.Sprintf("%d=%g", fw, p.Thresholds[fw])
	}
	return strings.Join(parts, ",")
}

// ParseDirection parses "above" or "below" (case-insensitive). Empty means Above.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Above):
		return Above, nil
	case string(Below):
		return Below, nil
	default:
		return "", fmt.Errorf("invalid anomaly direction %q: must be above or below", s)
	}
}

// ParseThresholds parses a comma-separated list of fw=threshold pairs.
//
// Examples:
//   - "4=0.13,6=0.11" → {4: 0.13, 6: 0.11}
//   - "" → empty map
func ParseThresholds(s string) (map[int]float64, error) {
	out := make(map[int]float64)
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}

	for _, pair := range strings.Split(s, ",") {
		fwStr, thStr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid threshold %q: want fw=value", pair)
		}
		fw, err := strconv.Atoi(strings.TrimSpace(fwStr))
		if err != nil || fw <= 0 {
			return nil, fmt.Errorf("invalid forecast window %q in %q", fwStr, pair)
		}
		th, err := strconv.ParseFloat(strings.TrimSpace(thStr), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold value %q: %w", thStr, err)
		}
		if _, dup := out[fw]; dup {
			return nil, fmt.Errorf("duplicate threshold for forecast window %d", fw)
		}
		out[fw] = th
	}
	return out, nil
}

// thresholdsFile is the YAML layout accepted by LoadThresholds.
//
//	direction: above
//	default: 0.07
//	thresholds:
//	  4: 0.133077
//	  6: 0.111795
type thresholdsFile struct {
	Direction  string          `yaml:"direction"`
	Default    *float64        `yaml:"default"`
	Thresholds map[int]float64 `yaml:"thresholds"`
}

// LoadThresholds reads a YAML thresholds file and applies it on top of base.
// Keys absent from the file keep base's values.
func LoadThresholds(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read thresholds %s: %w", path, err)
	}

	var f thresholdsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("parse thresholds %s: %w", path, err)
	}

	p := base.Merge(f.Thresholds)
	if f.Default != nil {
		p.Default = *f.Default
	}
	if f.Direction != "" {
		d, err := ParseDirection(f.Direction)
		if err != nil {
			return Policy{}, fmt.Errorf("%s: %w", path, err)
		}
		p.Direction = d
	}
	return p, nil
}
