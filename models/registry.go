// Package models - registry for models.
package models

import (
	"sort"

	"go.uber.org/zap"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/fusion"
	"github.com/nvr-ai/go-ssd/heads"
	"github.com/nvr-ai/go-ssd/layers"
	"github.com/nvr-ai/go-ssd/models/model"
	"github.com/nvr-ai/go-ssd/models/postprocess"
	"github.com/nvr-ai/go-ssd/priors"
)

var variants = map[model.Name]model.Variant{
	model.ModelNameSSD300: {
		Name:     model.ModelNameSSD300,
		Preset:   priors.Preset300,
		Channels: []int{512, 1024, 512, 256, 256, 256},
	},
	model.ModelNameSSD512: {
		Name:     model.ModelNameSSD512,
		Preset:   priors.Preset512,
		Channels: []int{512, 1024, 512, 256, 256, 256, 256},
	},
	model.ModelNameSSD1024: {
		Name:     model.ModelNameSSD1024,
		Preset:   priors.Preset1024,
		Channels: []int{512, 1024, 512, 256, 256, 256, 256},
	},
	model.ModelNameSSD1025: {
		Name:     model.ModelNameSSD1025,
		Preset:   priors.Preset1025,
		Channels: []int{512, 1024, 512, 256, 256, 256, 256},
	},
}

// Variants lists the registered variants sorted by name.
func Variants() []model.Variant {
	out := make([]model.Variant, 0, len(variants))
	for _, v := range variants {
		v.Channels = append([]int(nil), v.Channels...)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupVariant returns the definition of a named variant.
func LookupVariant(name model.Name) (model.Variant, error) {
	v, ok := variants[name]
	if !ok {
		names := make([]model.Name, 0, len(variants))
		for _, v := range Variants() {
			names = append(names, v.Name)
		}
		return model.Variant{}, common.NewConfigurationError("name", "unsupported model name", names, name)
	}
	v.Channels = append([]int(nil), v.Channels...)
	return v, nil
}

// NewModel creates a new detection model instance based on the specified model type.
//
// The lattice comes from the shared per-configuration cache, so every model
// built on the same preset reuses one immutable prior set. Weights are pulled
// from params; the shape contract between the lattice, the fusion stage and
// the heads is checked here, once.
//
// Arguments:
//   - args: The variant, class family and optional overrides.
//   - params: Source of every learned tensor.
//
// Returns:
//   - The assembled model.
//   - A *common.ConfigurationError or *common.ShapeMismatchError when the
//     pieces do not fit together.
//
// Example:
//
// ```go
//
//	m, err := models.NewModel(model.NewModelArgs{
//	    Name:   model.ModelNameSSD300,
//	    Family: model.FamilyVOC,
//	}, layers.NewInitParams(layers.GlorotInit(1)))
//
//	if err != nil {
//	    log.Fatalf("Failed to create detection model: %v", err)
//	}
//
// ```
func NewModel(args model.NewModelArgs, params layers.Params) (*Model, error) {
	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	variant, err := LookupVariant(args.Name)
	if err != nil {
		return nil, err
	}
	if args.Channels != nil {
		variant.Channels = append([]int(nil), args.Channels...)
	}
	family := args.Family
	if family == "" {
		family = model.FamilyVOC
	}
	classes, err := ClassSetFor(family)
	if err != nil {
		return nil, err
	}
	backend, err := args.Backend.Backend()
	if err != nil {
		return nil, err
	}

	cfg, err := priors.Preset(variant.Preset)
	if err != nil {
		return nil, err
	}
	lattice, err := priors.Shared(cfg)
	if err != nil {
		return nil, err
	}
	spans := lattice.Levels()
	if len(variant.Channels) != len(spans) {
		return nil, common.NewConfigurationError("channels", "one channel count per pyramid level",
			len(spans), len(variant.Channels))
	}

	shapes := make([]layers.Shape, len(spans))
	for i, s := range spans {
		shapes[i] = layers.Shape{Channels: variant.Channels[i], Height: s.Height, Width: s.Width}
	}
	fuse, err := fusion.New(fusion.DefaultConfig(shapes), params,
		fusion.WithBackend(backend), fusion.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	h, err := heads.New(lattice, variant.Channels, classes.Len(), params, backend)
	if err != nil {
		return nil, err
	}

	dec, err := buildDecoder(lattice, classes, args.Decoder)
	if err != nil {
		return nil, err
	}

	logger.Info("model built",
		zap.String("name", string(variant.Name)),
		zap.String("family", string(family)),
		zap.Int("priors", lattice.Len()),
		zap.Int("classes", classes.Len()))

	return &Model{
		Variant: variant,
		Family:  family,
		Classes: classes,
		Lattice: lattice,
		Fusion:  fuse,
		Heads:   h,
		Decoder: dec,
	}, nil
}

// NewDecoder builds only the decode stage of a variant, for callers that
// already hold raw head outputs.
//
// Arguments:
//   - name: The variant name.
//   - family: The class family; empty selects VOC.
//   - override: Optional thresholds. NumClasses is always taken from the family.
//
// Returns:
//   - *postprocess.Decoder: The decoder over the variant's shared lattice.
//   - error: A *common.ConfigurationError for unknown names or bad thresholds.
func NewDecoder(name model.Name, family model.Family, override *postprocess.Config) (*postprocess.Decoder, error) {
	variant, err := LookupVariant(name)
	if err != nil {
		return nil, err
	}
	if family == "" {
		family = model.FamilyVOC
	}
	classes, err := ClassSetFor(family)
	if err != nil {
		return nil, err
	}
	cfg, err := priors.Preset(variant.Preset)
	if err != nil {
		return nil, err
	}
	lattice, err := priors.Shared(cfg)
	if err != nil {
		return nil, err
	}
	return buildDecoder(lattice, classes, override)
}

func buildDecoder(lattice *priors.Lattice, classes *OutputClassSet, override *postprocess.Config) (*postprocess.Decoder, error) {
	cfg := postprocess.DefaultConfig(classes.Len())
	if override != nil {
		cfg = *override
		cfg.NumClasses = classes.Len()
	}
	return postprocess.NewDecoder(cfg, lattice, postprocess.WithLabels(classes.Names()))
}
