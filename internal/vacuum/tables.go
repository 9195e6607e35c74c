package vacuum

import "sort"

// Tables holds the code-to-label lookups shared by every entity.
// A Tables value is built once and never mutated afterwards.
type Tables struct {
	States    map[int]string
	FanSpeeds map[int]string
}

func (t *Tables) stateLabel(code int) (string, bool) {
	if t == nil {
		return "", false
	}
	label, ok := t.States[code]
	return label, ok
}

func (t *Tables) fanSpeedLabel(code int) (string, bool) {
	if t == nil {
		return "", false
	}
	label, ok := t.FanSpeeds[code]
	return label, ok
}

func (t *Tables) fanSpeedCodes() []int {
	if t == nil {
		return nil
	}
	codes := make([]int, 0, len(t.FanSpeeds))
	for code := range t.FanSpeeds {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// FanSpeedLabels returns the distinct fan-speed labels ordered by code.
func (t *Tables) FanSpeedLabels() []string {
	codes := t.fanSpeedCodes()
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		label := t.FanSpeeds[code]
		if seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	return out
}

// FanSpeedCodes returns every code mapped to label, ascending. The result is
// empty, never nil, when nothing matches.
func (t *Tables) FanSpeedCodes(label string) []int {
	out := []int{}
	for _, code := range t.fanSpeedCodes() {
		if t.FanSpeeds[code] == label {
			out = append(out, code)
		}
	}
	return out
}
