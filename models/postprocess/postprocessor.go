package postprocess

// Postprocessor defines a function that filters/modifies an incoming slice of detections.
type Postprocessor func([]Result) []Result

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float32) Postprocessor {
	return func(in []Result) []Result {
		out := make([]Result, 0, len(in))
		for _, d := range in {
			if d.Score >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewAreaFilter returns a function that filters out detections whose
// normalized area is below area.
func NewAreaFilter(area float32) Postprocessor {
	return func(in []Result) []Result {
		out := make([]Result, 0, len(in))
		for _, d := range in {
			if d.Box.Area() >= area {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewClassFilter keeps only the listed classes.
func NewClassFilter(classes ...int) Postprocessor {
	allowed := make(map[int]bool, len(classes))
	for _, c := range classes {
		allowed[c] = true
	}
	return func(in []Result) []Result {
		out := make([]Result, 0, len(in))
		for _, d := range in {
			if allowed[d.Class] {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewClipFilter clips every box to the unit square.
func NewClipFilter() Postprocessor {
	return func(in []Result) []Result {
		out := make([]Result, len(in))
		for i, d := range in {
			d.Box = d.Box.Clip()
			out[i] = d
		}
		return out
	}
}
