package annotate

import (
	"fmt"
	"sort"

	"github.com/andresmejia3/emoscope/internal/types"
)

// Dominant returns the highest scoring emotion. Ties go to the lexicographically
// smallest label so the result never depends on map iteration order.
// ok is false for an empty mapping.
func Dominant(emotions map[string]float64) (label string, score float64, ok bool) {
	if len(emotions) == 0 {
		return "", 0, false
	}
	labels := make([]string, 0, len(emotions))
	for l := range emotions {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	label, score = labels[0], emotions[labels[0]]
	for _, l := range labels[1:] {
		if emotions[l] > score {
			label, score = l, emotions[l]
		}
	}
	return label, score, true
}

// Label is the text drawn above a face: "happy (0.93)".
func Label(d types.Detection) string {
	label, score, ok := Dominant(d.Emotions)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s (%.2f)", label, score)
}

// Summary returns one "happy: 0.93" line per detection, in detection order.
func Summary(dets []types.Detection) []string {
	lines := make([]string, 0, len(dets))
	for _, d := range dets {
		label, score, ok := Dominant(d.Emotions)
		if !ok {
			label = "unknown"
		}
		lines = append(lines, fmt.Sprintf("%s: %.2f", label, score))
	}
	return lines
}

// Counts tallies dominant emotions across detections, skipping faces with no scores.
func Counts(dets []types.Detection) map[string]int {
	out := make(map[string]int)
	for _, d := range dets {
		if label, _, ok := Dominant(d.Emotions); ok {
			out[label]++
		}
	}
	return out
}
