package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/layers"
	"github.com/nvr-ai/go-ssd/models/model"
	"github.com/nvr-ai/go-ssd/models/postprocess"
)

func TestNewModelSSD300(t *testing.T) {
	m, err := NewModel(model.NewModelArgs{
		Name:     model.ModelNameSSD300,
		Channels: []int{4, 4, 4, 4, 4, 4},
	}, layers.NewInitParams(layers.ConstantInit(0)))
	require.NoError(t, err)

	assert.Equal(t, model.ModelNameSSD300, m.Name())
	assert.Equal(t, model.FamilyVOC, m.Family)
	assert.Equal(t, 21, m.NumClasses())
	assert.Equal(t, 8732, m.Lattice.Len())
	assert.Equal(t, "v2_300", m.ScaleConfig().Name)
	assert.Equal(t, 4, m.Fusion.Config().FusedLevels)
	levels := m.Levels()
	require.Len(t, levels, 6)
	assert.Equal(t, layers.Shape{Channels: 4, Height: 38, Width: 38}, levels[0])
	assert.Equal(t, layers.Shape{Channels: 4, Height: 1, Width: 1}, levels[5])

	for i, c := range m.Heads.Channels() {
		span := m.Lattice.Levels()[i]
		assert.Equal(t, span.BoxesPerCell*4, c.Loc)
		assert.Equal(t, span.BoxesPerCell*21, c.Conf)
	}
	assert.Equal(t, postprocess.DefaultTopK, m.Decoder.Config().TopK)
}

func TestNewModelSharesLattice(t *testing.T) {
	args := model.NewModelArgs{Name: model.ModelNameSSD300, Channels: []int{2, 2, 2, 2, 2, 2}}
	a, err := NewModel(args, layers.NewInitParams(layers.ConstantInit(0)))
	require.NoError(t, err)
	args.Family = model.FamilyCOCO
	args.Decoder = &postprocess.Config{
		ConfidenceThreshold: 0.2, IoUThreshold: 0.5, TopK: 10, NumClasses: 3,
	}
	b, err := NewModel(args, layers.NewInitParams(layers.ConstantInit(0)))
	require.NoError(t, err)

	assert.Same(t, a.Lattice, b.Lattice)
	assert.Equal(t, 81, b.NumClasses())
	assert.Equal(t, 81, b.Decoder.Config().NumClasses, "class count always follows the family")
	assert.Equal(t, 10, b.Decoder.Config().TopK)
}

func TestNewModelErrors(t *testing.T) {
	params := layers.NewInitParams(layers.ConstantInit(0))
	var cfgErr *common.ConfigurationError

	_, err := NewModel(model.NewModelArgs{Name: "ssd640"}, params)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "name", cfgErr.Field)

	_, err = NewModel(model.NewModelArgs{Name: model.ModelNameSSD300, Channels: []int{4, 4}}, params)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "channels", cfgErr.Field)

	_, err = NewModel(model.NewModelArgs{Name: model.ModelNameSSD300, Family: "yolo"}, params)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "family", cfgErr.Field)

	_, err = NewModel(model.NewModelArgs{Name: model.ModelNameSSD300, Backend: "cuda"}, params)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "backend", cfgErr.Field)
}

func TestNewDecoder(t *testing.T) {
	dec, err := NewDecoder(model.ModelNameSSD512, model.FamilyCOCO, &postprocess.Config{
		NumClasses:          3,
		ConfidenceThreshold: 0.2,
		IoUThreshold:        0.5,
		TopK:                10,
	})
	require.NoError(t, err)
	assert.Equal(t, 81, dec.Config().NumClasses)
	assert.Equal(t, 10, dec.Config().TopK)
	assert.Equal(t, "v2_512", dec.Lattice().Config().Name)

	def, err := NewDecoder(model.ModelNameSSD300, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 21, def.Config().NumClasses)
	assert.Equal(t, postprocess.DefaultIoUThreshold, def.Config().IoUThreshold)

	_, err = NewDecoder("ssd9000", "", nil)
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestVariants(t *testing.T) {
	vs := Variants()
	require.Len(t, vs, 4)
	assert.Equal(t, model.ModelNameSSD1024, vs[0].Name)

	v, err := LookupVariant(model.ModelNameSSD512)
	require.NoError(t, err)
	v.Channels[0] = 1
	again, err := LookupVariant(model.ModelNameSSD512)
	require.NoError(t, err)
	assert.Equal(t, 512, again.Channels[0])
}

func TestClassSets(t *testing.T) {
	voc, err := ClassSetFor(model.FamilyVOC)
	require.NoError(t, err)
	assert.Equal(t, 21, voc.Len())
	assert.Equal(t, "background", voc.Names()[0])
	assert.Equal(t, "tvmonitor", voc.Names()[20])

	mgr := Classes()
	idx, err := mgr.GetIndex(model.FamilyCOCO, "person")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	mapped, err := mgr.MapClass(model.FamilyVOC, 15, model.FamilyCOCO)
	require.NoError(t, err)
	assert.Equal(t, OutputClass{Index: 1, Name: "person"}, mapped)

	_, err = mgr.GetName(model.FamilyVOC, 21)
	assert.Error(t, err)
	name, err := mgr.GetName(model.FamilyVOC, 12)
	require.NoError(t, err)
	assert.Equal(t, "dog", name)
}

func TestClassFilter(t *testing.T) {
	keep, err := ClassFilter(model.FamilyVOC, "dog", "person")
	require.NoError(t, err)
	out := keep([]postprocess.Result{{Class: 12}, {Class: 3}, {Class: 15}})
	require.Len(t, out, 2)
	assert.Equal(t, 12, out[0].Class)
	assert.Equal(t, 15, out[1].Class)

	_, err = ClassFilter(model.FamilyCOCO, "tvmonitor")
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "classes", cfgErr.Field)
}

func TestClassMapper(t *testing.T) {
	toCOCO, err := ClassMapper(model.FamilyVOC, model.FamilyCOCO)
	require.NoError(t, err)
	out := toCOCO([]postprocess.Result{
		{Class: 15, Score: 0.9},
		{Class: 20, Score: 0.8},
		{Class: 12, Score: 0.7},
	})
	// "tvmonitor" has no COCO counterpart of the same name.
	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Class)
	assert.Equal(t, "person", out[0].Label)
	assert.Equal(t, 17, out[1].Class)
	assert.InDelta(t, 0.7, out[1].Score, 1e-6)

	_, err = ClassMapper(model.FamilyVOC, "imagenet")
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "map_to", cfgErr.Field)
}
