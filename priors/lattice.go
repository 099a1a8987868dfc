package priors

import (
	"github.com/chewxy/math32"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-ssd/common"
)

// Variant identifies a prior within a cell. Variants are emitted in the order
// SquareMin, SquareMean, then one pair per aspect ratio.
type Variant int

const (
	// VariantSquareMin is the square box of side min_size.
	VariantSquareMin Variant = iota
	// VariantSquareMean is the square box of side sqrt(min_size*max_size).
	VariantSquareMean
)

// LevelSpan locates one pyramid level inside the flat lattice.
type LevelSpan struct {
	// Offset is the index of the level's first prior.
	Offset int
	// Count is the number of priors in the level.
	Count int
	// Width and Height are the feature-map dimensions.
	Width, Height int
	// BoxesPerCell is the number of variants per cell.
	BoxesPerCell int
}

// Lattice is the immutable, ordered set of priors for one configuration.
//
// Order: levels in configuration order, then rows, then columns, then the
// per-cell variants. Prediction heads emit their outputs in the same order.
type Lattice struct {
	boxes  []common.PriorBox
	levels []LevelSpan
	config ScaleConfig
}

// Generate builds the prior lattice for a configuration.
//
// The result depends only on the configuration: equal configs produce
// bit-identical lattices.
//
// Arguments:
//   - cfg: The scale configuration.
//
// Returns:
//   - The lattice.
//   - A *common.ConfigurationError if the configuration is inconsistent.
//
// @example
// cfg := priors.MustPreset(priors.Preset300)
// lattice, err := priors.Generate(cfg)
// fmt.Println(lattice.Len()) // 8732
func Generate(cfg ScaleConfig) (*Lattice, error) {
	levels, err := cfg.Levels()
	if err != nil {
		return nil, err
	}

	total := 0
	for _, l := range levels {
		total += l.Width * l.Height * l.BoxesPerCell()
	}

	lattice := &Lattice{
		boxes:  make([]common.PriorBox, 0, total),
		levels: make([]LevelSpan, 0, len(levels)),
		config: cfg.clone(),
	}

	for _, l := range levels {
		span := LevelSpan{
			Offset:       len(lattice.boxes),
			Width:        l.Width,
			Height:       l.Height,
			BoxesPerCell: l.BoxesPerCell(),
		}
		lattice.boxes = appendLevel(lattice.boxes, l)
		span.Count = len(lattice.boxes) - span.Offset
		lattice.levels = append(lattice.levels, span)
	}

	if cfg.Clip {
		for i := range lattice.boxes {
			lattice.boxes[i] = lattice.boxes[i].Clamp()
		}
	}

	return lattice, nil
}

func appendLevel(boxes []common.PriorBox, l Level) []common.PriorBox {
	inW, inH := float32(l.InputW), float32(l.InputH)

	minW, minH := l.MinSize/inW, l.MinSize/inH
	mean := math32.Sqrt(l.MinSize * l.MaxSize)
	meanW, meanH := mean/inW, mean/inH

	ratios := make([]float32, len(l.AspectRatios))
	for i, a := range l.AspectRatios {
		ratios[i] = math32.Sqrt(a)
	}

	for r := 0; r < l.Height; r++ {
		cy := (float32(r) + 0.5) * l.StepH / inH
		for c := 0; c < l.Width; c++ {
			cx := (float32(c) + 0.5) * l.StepW / inW

			boxes = append(boxes,
				common.PriorBox{CX: cx, CY: cy, W: minW, H: minH},
				common.PriorBox{CX: cx, CY: cy, W: meanW, H: meanH},
			)
			for _, s := range ratios {
				boxes = append(boxes,
					common.PriorBox{CX: cx, CY: cy, W: minW * s, H: minH / s},
					common.PriorBox{CX: cx, CY: cy, W: minW / s, H: minH * s},
				)
			}
		}
	}
	return boxes
}

// Len returns the number of priors.
func (l *Lattice) Len() int { return len(l.boxes) }

// At returns the i-th prior.
func (l *Lattice) At(i int) common.PriorBox { return l.boxes[i] }

// Boxes returns a copy of the priors in lattice order.
func (l *Lattice) Boxes() []common.PriorBox {
	return append([]common.PriorBox(nil), l.boxes...)
}

// Levels returns the per-level spans.
func (l *Lattice) Levels() []LevelSpan {
	return append([]LevelSpan(nil), l.levels...)
}

// Config returns the configuration the lattice was generated from.
func (l *Lattice) Config() ScaleConfig { return l.config.clone() }

// Index returns the flat index of a prior given its level, cell and variant.
func (l *Lattice) Index(level, row, col, variant int) int {
	s := l.levels[level]
	return s.Offset + (row*s.Width+col)*s.BoxesPerCell + variant
}

// Tensor exports the lattice as a (N, 4) float32 tensor of (cx, cy, w, h).
func (l *Lattice) Tensor() *tensor.Dense {
	backing := make([]float32, 0, 4*len(l.boxes))
	for _, b := range l.boxes {
		backing = append(backing, b.CX, b.CY, b.W, b.H)
	}
	return tensor.New(tensor.WithShape(len(l.boxes), 4), tensor.WithBacking(backing))
}

// Size returns the expected lattice size for a configuration without
// generating it: the sum over levels of width*height*boxesPerCell.
func Size(cfg ScaleConfig) (int, error) {
	levels, err := cfg.Levels()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range levels {
		n += l.Width * l.Height * l.BoxesPerCell()
	}
	return n, nil
}
