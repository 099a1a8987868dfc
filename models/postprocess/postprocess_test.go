package postprocess

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/priors"
)

func tinyLattice(t testing.TB) *priors.Lattice {
	t.Helper()
	lattice, err := priors.Generate(priors.ScaleConfig{
		Name:         "tiny",
		FeatureMaps:  []int{2},
		MinDim:       300,
		Steps:        []int{150},
		MinSizes:     []float32{30},
		MaxSizes:     []float32{60},
		AspectRatios: [][]float32{{2}},
		Variance:     []float32{0.1, 0.2},
		Clip:         true,
	})
	require.NoError(t, err)
	return lattice
}

// backgroundOnly returns a normalized prediction where every prior is
// certainly background.
func backgroundOnly(n, classes int) Prediction {
	conf := make([]float32, n*classes)
	for i := 0; i < n; i++ {
		conf[i*classes] = 1
	}
	return Prediction{
		Loc:        make([]float32, 4*n),
		Conf:       conf,
		NumPriors:  n,
		NumClasses: classes,
		Normalized: true,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	prior := common.PriorBox{CX: 0.4, CY: 0.6, W: 0.2, H: 0.3}
	boxes := []common.BoundingBox{
		{X1: 0.1, Y1: 0.2, X2: 0.5, Y2: 0.9},
		{X1: 0.35, Y1: 0.5, X2: 0.45, Y2: 0.7},
		{X1: 0, Y1: 0, X2: 1, Y2: 1},
	}
	for _, box := range boxes {
		loc := Encode(box, prior, DefaultVariance)
		got := Decode(loc[:], prior, DefaultVariance)
		assert.InDelta(t, box.X1, got.X1, 1e-5)
		assert.InDelta(t, box.Y1, got.Y1, 1e-5)
		assert.InDelta(t, box.X2, got.X2, 1e-5)
		assert.InDelta(t, box.Y2, got.Y2, 1e-5)
	}

	zero := Decode([]float32{0, 0, 0, 0}, prior, DefaultVariance)
	assert.Equal(t, prior.Corners(), zero)
}

func TestDecodeClampsDegenerateSize(t *testing.T) {
	prior := common.PriorBox{CX: 0.5, CY: 0.5, W: 0.1, H: 0.1}
	box := Decode([]float32{0, 0, -1000, -1000}, prior, DefaultVariance)
	assert.Greater(t, box.Width(), float32(0))
	assert.Greater(t, box.Height(), float32(0))
	assert.Greater(t, box.IoU(box), float32(0.99))
}

func TestSoftmax(t *testing.T) {
	scores := []float32{1000, 1000}
	Softmax(scores)
	assert.InDelta(t, 0.5, scores[0], 1e-6)
	assert.InDelta(t, 0.5, scores[1], 1e-6)

	scores = []float32{1, 2, 3}
	Softmax(scores)
	assert.InDelta(t, 1, scores[0]+scores[1]+scores[2], 1e-6)
	assert.Less(t, scores[0], scores[1])
}

func TestGreedyNMSSuppression(t *testing.T) {
	a := common.BoundingBox{X1: 0, Y1: 0, X2: 1, Y2: 1}
	overlapping := common.BoundingBox{X1: 0.1, Y1: 0, X2: 1.1, Y2: 1}
	apart := common.BoundingBox{X1: 0.5, Y1: 0, X2: 1.5, Y2: 1}
	require.Greater(t, a.IoU(overlapping), DefaultIoUThreshold)
	require.LessOrEqual(t, a.IoU(apart), DefaultIoUThreshold)

	cfg := &NMSConfig{IoUThreshold: DefaultIoUThreshold}

	kept := ApplyGreedyNMS([]Result{
		{Box: a, Score: 0.9, Anchor: 0},
		{Box: overlapping, Score: 0.6, Anchor: 1},
	}, cfg)
	require.Len(t, kept, 1)
	assert.Equal(t, float32(0.9), kept[0].Score)

	kept = ApplyGreedyNMS([]Result{
		{Box: a, Score: 0.9, Anchor: 0},
		{Box: apart, Score: 0.6, Anchor: 1},
	}, cfg)
	assert.Len(t, kept, 2)

	assert.Nil(t, ApplyGreedyNMS(nil, cfg))
}

func TestSortResultsTieBreak(t *testing.T) {
	box := common.BoundingBox{X1: 0, Y1: 0, X2: 1, Y2: 1}
	results := []Result{
		{Box: box, Score: 0.5, Anchor: 9},
		{Box: box, Score: 0.7, Anchor: 4},
		{Box: box, Score: 0.5, Anchor: 2},
	}
	SortResults(results)
	assert.Equal(t, []int{4, 2, 9}, []int{results[0].Anchor, results[1].Anchor, results[2].Anchor})

	kept := ApplyGreedyNMS([]Result{results[1], results[2]}, &NMSConfig{IoUThreshold: 0.45})
	require.Len(t, kept, 1)
	assert.Equal(t, 2, kept[0].Anchor)
}

func TestApplyNMSPerClassCap(t *testing.T) {
	var detections []Result
	for i := 0; i < 250; i++ {
		x := float32(i) * 0.01
		for _, class := range []int{1, 2} {
			detections = append(detections, Result{
				Box:    common.BoundingBox{X1: x, Y1: 0, X2: x + 0.005, Y2: 0.005},
				Score:  float32(i+1) / 1000,
				Class:  class,
				Anchor: i,
			})
		}
	}

	out, err := ApplyNMS(context.Background(), detections, &NMSConfig{
		IoUThreshold: DefaultIoUThreshold,
		TopK:         DefaultTopK,
		ClassAware:   true,
		NumWorkers:   2,
	})
	require.NoError(t, err)
	require.Len(t, out, 2*DefaultTopK)

	for i, d := range out[:DefaultTopK] {
		assert.Equal(t, 1, d.Class)
		assert.Equal(t, 249-i, d.Anchor, "the highest scores survive, in order")
	}
	assert.Equal(t, 2, out[DefaultTopK].Class)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err = ApplyNMS(ctx, detections, &NMSConfig{ClassAware: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)
}

func TestApplyNMSCapAfterSuppression(t *testing.T) {
	// Six overlapping pairs: anchor 2i wins over 2i+1 in each pair, and the
	// pairs themselves are disjoint. Scores descend with the anchor index.
	var detections []Result
	for i := 0; i < 12; i++ {
		pair := float32(i / 2)
		shift := float32(i%2) * 0.01
		detections = append(detections, Result{
			Box:    common.BoundingBox{X1: pair*0.15 + shift, Y1: 0, X2: pair*0.15 + shift + 0.1, Y2: 0.1},
			Score:  1 - float32(i)*0.05,
			Class:  1,
			Anchor: i,
		})
	}

	out, err := ApplyNMS(context.Background(), detections, &NMSConfig{
		IoUThreshold: DefaultIoUThreshold,
		TopK:         3,
		ClassAware:   true,
	})
	require.NoError(t, err)
	anchors := make([]int, len(out))
	for i, d := range out {
		anchors[i] = d.Anchor
	}
	assert.Equal(t, []int{0, 2, 4}, anchors)
}

func TestDecoderScenario(t *testing.T) {
	lattice := tinyLattice(t)
	pred := backgroundOnly(lattice.Len(), 3)
	copy(pred.ConfAt(0), []float32{0.15, 0.8, 0.05})

	cfg := DefaultConfig(3)
	cfg.ConfidenceThreshold = 0.1
	dec, err := NewDecoder(cfg, lattice, WithLabels([]string{"background", "a", "b"}))
	require.NoError(t, err)

	results, err := dec.Decode(context.Background(), pred)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Class)
	assert.Equal(t, "a", results[0].Label)
	assert.Equal(t, float32(0.8), results[0].Score)
	assert.InDelta(t, 0.2, results[0].Box.X1, 1e-6)
	assert.InDelta(t, 0.3, results[0].Box.Y2, 1e-6)

	// At the default threshold class b's 0.05 is a candidate too.
	dec, err = NewDecoder(DefaultConfig(3), lattice)
	require.NoError(t, err)
	results, err = dec.Decode(context.Background(), pred)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[1].Class)
}

func TestDecoderErrors(t *testing.T) {
	lattice := tinyLattice(t)
	dec, err := NewDecoder(DefaultConfig(3), lattice)
	require.NoError(t, err)

	var decodeErr *common.DecodeError
	_, err = dec.Decode(context.Background(), backgroundOnly(lattice.Len(), 4))
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, 3, decodeErr.Expected)
	assert.Equal(t, 4, decodeErr.Actual)

	_, err = dec.Decode(context.Background(), backgroundOnly(lattice.Len()-1, 3))
	require.ErrorAs(t, err, &decodeErr)

	short := backgroundOnly(lattice.Len(), 3)
	short.Loc = short.Loc[:8]
	_, err = dec.Decode(context.Background(), short)
	require.ErrorAs(t, err, &decodeErr)

	bad := DefaultConfig(3)
	bad.TopK = 0
	_, err = NewDecoder(bad, lattice)
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "top_k", cfgErr.Field)
}

func TestDecoderDeterministic(t *testing.T) {
	lattice := tinyLattice(t)
	rng := rand.New(rand.NewSource(1))
	pred := Prediction{
		Loc:        make([]float32, 4*lattice.Len()),
		Conf:       make([]float32, 5*lattice.Len()),
		NumPriors:  lattice.Len(),
		NumClasses: 5,
	}
	for i := range pred.Loc {
		pred.Loc[i] = rng.Float32() - 0.5
	}
	for i := range pred.Conf {
		pred.Conf[i] = 4 * rng.Float32()
	}
	raw := append([]float32(nil), pred.Conf...)

	dec, err := NewDecoder(DefaultConfig(5), lattice)
	require.NoError(t, err)
	first, err := dec.Decode(context.Background(), pred)
	require.NoError(t, err)
	second, err := dec.Decode(context.Background(), pred)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, raw, pred.Conf, "raw scores are not modified")

	for i := 1; i < len(first); i++ {
		if first[i].Class == first[i-1].Class {
			assert.GreaterOrEqual(t, first[i-1].Score, first[i].Score)
		} else {
			assert.Greater(t, first[i].Class, first[i-1].Class)
		}
	}
}

func TestPostprocessors(t *testing.T) {
	in := []Result{
		{Box: common.BoundingBox{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5}, Score: 0.9, Class: 1},
		{Box: common.BoundingBox{X1: 0, Y1: 0, X2: 0.1, Y2: 0.1}, Score: 0.3, Class: 2},
		{Box: common.BoundingBox{X1: -0.2, Y1: 0.5, X2: 1.2, Y2: 1}, Score: 0.6, Class: 2},
	}
	assert.Len(t, NewScoreFilter(0.5)(in), 2)
	assert.Len(t, NewAreaFilter(0.05)(in), 2)
	assert.Len(t, NewClassFilter(2)(in), 2)

	clipped := NewClipFilter()(in)
	assert.Equal(t, float32(0), clipped[2].Box.X1)
	assert.Equal(t, float32(1), clipped[2].Box.X2)
	assert.Equal(t, float32(-0.2), in[2].Box.X1)
}

func BenchmarkDecode512(b *testing.B) {
	lattice, err := priors.Generate(priors.MustPreset(priors.Preset512))
	require.NoError(b, err)
	rng := rand.New(rand.NewSource(1))
	pred := Prediction{
		Loc:        make([]float32, 4*lattice.Len()),
		Conf:       make([]float32, 21*lattice.Len()),
		NumPriors:  lattice.Len(),
		NumClasses: 21,
	}
	for i := range pred.Conf {
		pred.Conf[i] = rng.Float32()
	}
	dec, err := NewDecoder(DefaultConfig(21), lattice)
	require.NoError(b, err)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := dec.Decode(context.Background(), pred); err != nil {
			b.Fatal(err)
		}
	}
}
