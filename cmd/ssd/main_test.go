package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ssd/models/postprocess"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"ssd"}, args...))
	return out.String(), err
}

func TestPriorsCommand(t *testing.T) {
	out, err := run(t, "priors", "--model", "ssd300", "--offset", "0", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "8732 priors")
	assert.Contains(t, out, "38x38")
	assert.Contains(t, out, "prior(cx=")

	_, err = run(t, "priors", "--model", "ssd42")
	assert.Error(t, err)

	out, err = run(t, "priors", "--input-size", "512")
	require.NoError(t, err)
	assert.Contains(t, out, "input 512: preset v2_512")
	_, err = run(t, "priors", "--input-size", "608")
	assert.Error(t, err)
}

func TestDecodeCommand(t *testing.T) {
	const numPriors, numClasses = 8732, 21
	pred := postprocess.Prediction{
		Loc:        make([]float32, 4*numPriors),
		Conf:       make([]float32, numPriors*numClasses),
		Normalized: true,
	}
	for i := 0; i < numPriors; i++ {
		pred.Conf[i*numClasses] = 1
	}
	pred.Conf[7*numClasses] = 0.2
	pred.Conf[7*numClasses+12] = 0.8

	data, err := json.Marshal(pred)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pred.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	out, err := run(t, "decode", "--model", "ssd300", path)
	require.NoError(t, err)
	var dets []postprocess.Result
	require.NoError(t, json.Unmarshal([]byte(out), &dets))
	require.Len(t, dets, 1)
	assert.Equal(t, 12, dets[0].Class)
	assert.Equal(t, 7, dets[0].Anchor)

	out, err = run(t, "decode", "--model", "ssd300", "--confidence", "0.9", path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &dets))
	assert.Empty(t, dets)

	out, err = run(t, "decode", "--model", "ssd300", "--classes", "cat", path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &dets))
	assert.Empty(t, dets)

	out, err = run(t, "decode", "--model", "ssd300", "--classes", "dog", path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &dets))
	assert.Len(t, dets, 1)

	out, err = run(t, "decode", "--model", "ssd300", "--classes", "dog", "--map-to", "coco", path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &dets))
	require.Len(t, dets, 1)
	assert.Equal(t, 17, dets[0].Class)
	assert.Equal(t, "dog", dets[0].Label)

	_, err = run(t, "decode", "--model", "ssd300", "--map-to", "imagenet", path)
	assert.Error(t, err)
	_, err = run(t, "decode", "--model", "ssd300", "--classes", "zebra", path)
	assert.Error(t, err)
	_, err = run(t, "decode", "--model", "ssd300", "--family", "coco", path)
	assert.Error(t, err)
	_, err = run(t, "decode")
	assert.Error(t, err)
}

func TestDetectCommand(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(6 * x), G: uint8(8 * y), B: 128, A: 255})
		}
	}
	f, err := os.Create(filepath.Join(dir, "frame-1.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	cfg := filepath.Join(t.TempDir(), "detector.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("model: ssd300\nfamily: voc\nchannels: [3, 3, 3, 3, 3, 3]\nseed: 5\nworkers: 1\n"), 0o644))

	outDir := filepath.Join(t.TempDir(), "annotated")
	out, err := run(t, "detect", "--config", cfg, "--output", outDir, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "frame-1.png")
	assert.Contains(t, out, "wrote "+filepath.Join(outDir, "frame-1.png")+" (md5 ")
	_, err = os.Stat(filepath.Join(outDir, "frame-1.png"))
	assert.NoError(t, err)

	_, err = run(t, "detect", "--config", cfg, "--classes", "unicorn", dir)
	assert.Error(t, err)
	_, err = run(t, "detect", "--config", cfg, "--backbone", "tflite", dir)
	assert.Error(t, err)
}

func TestBenchCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "detector.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("channels: [3, 3, 3, 3, 3, 3]\nseed: 2\nworkers: 1\n"), 0o644))
	scenarios := filepath.Join(dir, "scenarios.yaml")
	require.NoError(t, os.WriteFile(scenarios, []byte("name: tiny\nscenarios:\n  - name: tiny_ssd300\n    model: ssd300\n    resolution: {width: 32, height: 32}\n    iterations: 1\n    warmup_runs: 0\n"), 0o644))

	out, err := run(t, "bench", "--config", cfg, "--scenarios", scenarios, "--output", filepath.Join(dir, "results"))
	require.NoError(t, err)
	assert.Contains(t, out, "tiny_ssd300:")

	entries, err := os.ReadDir(filepath.Join(dir, "results"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
