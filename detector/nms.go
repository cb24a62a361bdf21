package detector

import "sort"

// NMS performs class-aware greedy non-maximum suppression.
//
// Detections are visited by descending score; each kept detection suppresses
// every later one of the same class whose IoU with it exceeds iouThreshold.
// The input slice is not modified.
//
// Arguments:
//   - detections: Candidates in any order.
//   - iouThreshold: Overlap above which a box is suppressed.
//
// Returns:
//   - Surviving detections sorted by descending score. Nil for empty input.
func NMS(detections []Detection, iouThreshold float32) []Detection {
	n := len(detections)
	if n == 0 {
		return nil
	}

	sorted := make([]Detection, n)
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	used := make([]bool, n)
	kept := make([]Detection, 0, n)
	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		anchor := sorted[i]
		kept = append(kept, anchor)
		used[i] = true

		anchorBox := anchor.BoundingBox()
		for j := i + 1; j < n; j++ {
			if used[j] || sorted[j].ClassID != anchor.ClassID {
				continue
			}
			if anchorBox.IoU(sorted[j].BoundingBox()) > iouThreshold {
				used[j] = true
			}
		}
	}
	return kept
}
