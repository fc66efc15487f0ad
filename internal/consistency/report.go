package consistency

import (
	"encoding/json"
	"fmt"
	"math"
)

// Action is the recommended handling of a source pair, in decreasing trust.
type Action string

const (
	UseEither             Action = "use_either"
	UsePrimaryWithWarning Action = "use_primary_with_warning"
	UsePrimaryOnly        Action = "use_primary_only"
	Investigate           Action = "investigate"
)

var actionRank = map[Action]int{
	UseEither:             0,
	UsePrimaryWithWarning: 1,
	UsePrimaryOnly:        2,
	Investigate:           3,
}

// Rank orders actions by decreasing trust; unknown actions rank last.
func (a Action) Rank() int {
	if r, ok := actionRank[a]; ok {
		return r
	}
	return len(actionRank)
}

// AtLeastAsSevere reports whether a expresses no more trust than other.
func (a Action) AtLeastAsSevere(other Action) bool {
	return a.Rank() >= other.Rank()
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := actionRank[a]; !ok {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Ratio is a fractional difference that may be +Inf. It encodes +Inf as "inf".
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(r), 1) {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(float64(r))
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	if string(b) == `"inf"` {
		*r = Ratio(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}

// Comparison is the per-metric result of a check.
type Comparison struct {
	Metric      string   `json:"metric"`
	Primary     *float64 `json:"primary_value"`
	Secondary   *float64 `json:"secondary_value"`
	Difference  *Ratio   `json:"difference_pct"`
	Tolerance   float64  `json:"tolerance"`
	Weight      float64  `json:"weight"`
	Score       float64  `json:"score"`
	Significant bool     `json:"is_significant"`
}

// Compared reports whether both sides had a value.
func (c Comparison) Compared() bool { return c.Difference != nil }

// Report is the immutable outcome of one check.
type Report struct {
	Consistent      bool           `json:"is_consistent"`
	PrimarySource   string         `json:"primary_source"`
	SecondarySource string         `json:"secondary_source"`
	Confidence      float64        `json:"confidence_score"`
	Action          Action         `json:"recommended_action"`
	Comparisons     []Comparison   `json:"comparisons"`
	Details         map[string]any `json:"details"`
}

// Significant lists metrics whose difference exceeded tolerance.
func (r Report) Significant() []string {
	var out []string
	for _, c := range r.Comparisons {
		if c.Significant {
			out = append(out, c.Metric)
		}
	}
	return out
}

// Summary renders e.g. "confidence: 0.82, action: use_either".
func (r Report) Summary() string {
	return fmt.Sprintf("confidence: %.2f, action: %s", r.Confidence, r.Action)
}

func emptyReport(primary, secondary, reason string) Report {
	return Report{
		PrimarySource:   primary,
		SecondarySource: secondary,
		Confidence:      0,
		Action:          UsePrimaryOnly,
		Comparisons:     []Comparison{},
		Details:         map[string]any{"reason": reason},
	}
}
