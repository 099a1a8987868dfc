// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"` // Overlap threshold for suppression.
	TopK         int     `json:"top_k" yaml:"top_k"`                 // Maximum kept per class; 0 keeps all.
	ClassAware   bool    `json:"class_aware" yaml:"class_aware"`     // If true, suppress only within same class.
	NumWorkers   int     `json:"num_workers" yaml:"num_workers"`     // Number of classes suppressed concurrently.
}

// SortResults orders detections by descending score. Equal scores keep
// ascending anchor order so the result is reproducible.
func SortResults(detections []Result) {
	sort.SliceStable(detections, func(i, j int) bool {
		if detections[i].Score != detections[j].Score {
			return detections[i].Score > detections[j].Score
		}
		return detections[i].Anchor < detections[j].Anchor
	})
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - detections: Slice of detections sorted with SortResults.
//   - config: The IoU threshold and the cap on kept detections.
//
// Returns:
//   - The kept detections, in input order. A box is suppressed only when its
//     IoU with a kept box is strictly greater than the threshold.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}

	filtered := make([]Result, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		if config.TopK > 0 && len(filtered) == config.TopK {
			break
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if anchor.Box.IoU(detections[j].Box) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}

// ApplyNMS filters overlapping detections using Non-Maximum Suppression.
//
// With ClassAware set, detections are grouped by class and each group is
// suppressed independently on up to NumWorkers goroutines; TopK then caps
// every class separately. Output is ordered by class, then by score.
//
// Arguments:
//   - ctx: Cancels the whole call; no partial result is returned.
//   - detections: Detections in any order.
//   - config: NMS configuration.
//
// Returns:
//   - Filtered slice of detections. If no detections are provided, returns nil.
func ApplyNMS(ctx context.Context, detections []Result, config *NMSConfig) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(detections) == 0 {
		return nil, nil
	}
	if !config.ClassAware {
		sorted := append([]Result(nil), detections...)
		SortResults(sorted)
		return ApplyGreedyNMS(sorted, config), nil
	}

	byClass := map[int][]Result{}
	for _, d := range detections {
		byClass[d.Class] = append(byClass[d.Class], d)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	kept := make([][]Result, len(classes))
	g, ctx := errgroup.WithContext(ctx)
	if config.NumWorkers > 0 {
		g.SetLimit(config.NumWorkers)
	}
	for i, c := range classes {
		i, group := i, byClass[c]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			SortResults(group)
			kept[i] = ApplyGreedyNMS(group, config)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Result
	for _, k := range kept {
		out = append(out, k...)
	}
	return out, nil
}
