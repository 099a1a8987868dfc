package main

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-ssd/benchmark"
	"github.com/nvr-ai/go-ssd/detector"
	"github.com/nvr-ai/go-ssd/images"
	"github.com/nvr-ai/go-ssd/images/render"
	"github.com/nvr-ai/go-ssd/inference"
	"github.com/nvr-ai/go-ssd/inference/providers"
	"github.com/nvr-ai/go-ssd/models"
	"github.com/nvr-ai/go-ssd/models/model"
	"github.com/nvr-ai/go-ssd/models/postprocess"
	"github.com/nvr-ai/go-ssd/priors"
	"github.com/nvr-ai/go-ssd/server"
	"github.com/nvr-ai/go-ssd/util"
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagModel,
			Value:   string(model.ModelNameSSD300),
			Usage:   "model variant",
			EnvVars: []string{"SSD_MODEL"},
		},
		&cli.StringFlag{
			Name:    flagFamily,
			Value:   string(model.FamilyVOC),
			Usage:   "class family (voc or coco)",
			EnvVars: []string{"SSD_FAMILY"},
		},
	}
}

func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:  flagClasses,
			Usage: "keep only the named classes",
		},
		&cli.StringFlag{
			Name:  flagMapTo,
			Usage: "relabel detections with the same-named classes of another family",
		},
	}
}

// outputFilter chains the --classes filter and the --map-to relabelling for
// detections of family. It returns nil when neither flag is set.
func outputFilter(c *cli.Context, family model.Family) (postprocess.Postprocessor, error) {
	var chain []postprocess.Postprocessor
	if names := c.StringSlice(flagClasses); len(names) > 0 {
		keep, err := models.ClassFilter(family, names...)
		if err != nil {
			return nil, err
		}
		chain = append(chain, keep)
	}
	if to := c.String(flagMapTo); to != "" {
		mapper, err := models.ClassMapper(family, model.Family(to))
		if err != nil {
			return nil, err
		}
		chain = append(chain, mapper)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return func(in []postprocess.Result) []postprocess.Result {
		for _, p := range chain {
			in = p(in)
		}
		return in
	}, nil
}

func priorsCommand() *cli.Command {
	return &cli.Command{
		Name:      "priors",
		Usage:     "summarize a model's prior lattice",
		ArgsUsage: " ",
		Flags: append(modelFlags(),
			&cli.IntFlag{Name: flagOffset, Usage: "first prior to print"},
			&cli.IntFlag{Name: flagLimit, Usage: "number of priors to print"},
			&cli.IntFlag{Name: flagInputSize, Usage: "pick the preset by input width instead of --model"},
		),
		Action: func(c *cli.Context) error {
			label, cfg, err := priorsConfig(c)
			if err != nil {
				return err
			}
			lattice, err := priors.Shared(cfg)
			if err != nil {
				return err
			}

			w, h := cfg.InputSize()
			out := c.App.Writer
			fmt.Fprintf(out, "%s: preset %s, input %dx%d, %d priors\n", label, cfg.Name, w, h, lattice.Len())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "level\tmap\tboxes/cell\toffset\tcount")
			for i, l := range lattice.Levels() {
				fmt.Fprintf(tw, "%d\t%dx%d\t%d\t%d\t%d\n", i, l.Width, l.Height, l.BoxesPerCell, l.Offset, l.Count)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			for i := c.Int(flagOffset); i < c.Int(flagOffset)+c.Int(flagLimit) && i < lattice.Len(); i++ {
				fmt.Fprintf(out, "%6d %s\n", i, lattice.At(i))
			}
			return nil
		},
	}
}

// priorsConfig resolves the scale configuration from --input-size when set,
// otherwise from the --model variant.
func priorsConfig(c *cli.Context) (string, priors.ScaleConfig, error) {
	if c.IsSet(flagInputSize) {
		size := c.Int(flagInputSize)
		cfg, err := priors.PresetForResolution(size)
		return fmt.Sprintf("input %d", size), cfg, err
	}
	variant, err := models.LookupVariant(model.Name(c.String(flagModel)))
	if err != nil {
		return "", priors.ScaleConfig{}, err
	}
	cfg, err := priors.Preset(variant.Preset)
	return string(variant.Name), cfg, err
}

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "decode a JSON prediction file into detections",
		ArgsUsage: "<prediction.json>",
		Flags: append(append(modelFlags(), outputFlags()...),
			&cli.Float64Flag{
				Name:  flagThreshold,
				Value: float64(postprocess.DefaultConfidenceThreshold),
				Usage: "confidence threshold",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("decode takes exactly one prediction file")
			}
			data, err := os.ReadFile(c.Args().First())
			if err != nil {
				return errors.Wrap(err, "reading prediction")
			}
			var pred postprocess.Prediction
			if err := json.Unmarshal(data, &pred); err != nil {
				return errors.Wrap(err, "parsing prediction")
			}

			override := postprocess.DefaultConfig(0)
			override.ConfidenceThreshold = float32(c.Float64(flagThreshold))
			dec, err := models.NewDecoder(model.Name(c.String(flagModel)), model.Family(c.String(flagFamily)), &override)
			if err != nil {
				return err
			}
			if pred.NumPriors == 0 {
				pred.NumPriors = len(pred.Loc) / 4
			}
			if pred.NumClasses == 0 {
				pred.NumClasses = dec.Config().NumClasses
			}
			keep, err := outputFilter(c, model.Family(c.String(flagFamily)))
			if err != nil {
				return err
			}
			dets, err := dec.Decode(c.Context, pred)
			if err != nil {
				return err
			}
			if keep != nil {
				dets = keep(dets)
			}
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(dets)
		},
	}
}

func engineFlags() []cli.Flag {
	return append(modelFlags(),
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load detector configuration from YAML `FILE`",
			EnvVars: []string{"SSD_CONFIG"},
		},
		&cli.StringFlag{
			Name:    flagBackbone,
			Value:   string(inference.BackbonePyramid),
			Usage:   "feature backbone (pyramid or onnx)",
			EnvVars: []string{"SSD_BACKBONE"},
		},
		&cli.StringFlag{
			Name:    flagOnnx,
			Usage:   "ONNX backbone `FILE`",
			EnvVars: []string{"SSD_ONNX_MODEL"},
		},
		&cli.StringFlag{
			Name:    flagLibrary,
			Usage:   "ONNX Runtime shared library",
			EnvVars: []string{providers.LibraryEnv},
		},
		&cli.StringFlag{
			Name:    flagProvider,
			Value:   string(providers.CPUProviderBackend),
			Usage:   "ONNX execution provider",
			EnvVars: []string{"SSD_PROVIDER"},
		},
	)
}

// buildEngine assembles an engine from the shared engine flags.
func buildEngine(c *cli.Context, logger *zap.Logger) (inference.Engine, error) {
	cfg := detector.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = detector.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet(flagModel) || c.String(flagConfig) == "" {
		cfg.Model = model.Name(c.String(flagModel))
	}
	if c.IsSet(flagFamily) || c.String(flagConfig) == "" {
		cfg.Family = model.Family(c.String(flagFamily))
	}

	kind := inference.BackboneKind(c.String(flagBackbone))
	if kind != inference.BackbonePyramid && kind != inference.BackboneONNX {
		return nil, errors.Errorf("unknown backbone %q, want one of %v", kind, inference.BackboneKinds)
	}

	var session inference.SessionConfig
	if kind == inference.BackboneONNX {
		if err := providers.Initialize(c.String(flagLibrary)); err != nil {
			return nil, err
		}
		variant, err := models.LookupVariant(cfg.Model)
		if err != nil {
			return nil, err
		}
		scale, err := priors.Preset(variant.Preset)
		if err != nil {
			return nil, err
		}
		w, h := scale.InputSize()
		prov := providers.DefaultConfig()
		prov.Backend = providers.ProviderBackend(c.String(flagProvider))
		prov.LibraryPath = c.String(flagLibrary)
		session = inference.SessionConfig{
			ModelPath: c.String(flagOnnx),
			InputSize: image.Pt(w, h),
			Provider:  prov,
		}
	}

	b := inference.NewEngineBuilder().WithLogger(logger).WithDetector(cfg, nil)
	if kind == inference.BackboneONNX {
		b = b.WithSession(session)
	} else {
		b = b.WithPyramidBackbone(images.DefaultNormalization())
	}
	return b.Build()
}

func detectCommand(logger func() *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:      "detect",
		Usage:     "run detection over an image or a directory of images",
		ArgsUsage: "<image|dir>",
		Flags: append(append(engineFlags(), outputFlags()...),
			&cli.StringFlag{
				Name:  flagOutput,
				Usage: "write annotated images into `DIR`",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("detect takes exactly one image or directory")
			}
			files, err := inputFiles(c.Args().First())
			if err != nil {
				return err
			}

			e, err := buildEngine(c, logger())
			if err != nil {
				return err
			}
			defer e.Close()
			keep, err := outputFilter(c, e.Detector().Model().Family)
			if err != nil {
				return err
			}

			decoded := make([]image.Image, len(files))
			for i, f := range files {
				img, _, err := images.Decode(f.Data)
				if err != nil {
					return errors.Wrapf(err, "decoding %s", f.Path)
				}
				decoded[i] = img
			}

			results, err := e.PredictBatch(c.Context, decoded)
			if err != nil {
				return err
			}
			if keep != nil {
				for i := range results {
					results[i] = keep(results[i])
				}
			}

			out := c.String(flagOutput)
			if out != "" {
				if err := os.MkdirAll(out, 0o755); err != nil {
					return errors.Wrap(err, "creating output directory")
				}
			}
			for i, f := range files {
				fmt.Fprintf(c.App.Writer, "%s: %d detections\n", f.Path, len(results[i]))
				for _, d := range results[i] {
					fmt.Fprintf(c.App.Writer, "  %s\n", d)
				}
				if out == "" {
					continue
				}
				dst := filepath.Join(out, filepath.Base(f.Path))
				sum, err := render.WriteFile(dst, decoded[i], results[i], render.DefaultOptions())
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "  wrote %s (md5 %s)\n", dst, sum)
			}

			for _, s := range e.Detector().Stats() {
				logger().Debug("stage timing", zap.String("op", s.Name), zap.Duration("mean", s.Mean))
			}
			return nil
		},
	}
}

func inputFiles(path string) ([]util.ImageFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading input")
	}
	if info.IsDir() {
		return util.LoadDirectoryImageFiles(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return []util.ImageFile{{Path: path, Data: data}}, nil
}

func serveCommand(logger func() *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the HTTP API",
		Flags: append(engineFlags(),
			&cli.StringFlag{
				Name:    flagAddr,
				Value:   server.DefaultConfig().Addr,
				Usage:   "listen address",
				EnvVars: []string{"SSD_ADDR"},
			},
			&cli.BoolFlag{
				Name:  "no-engine",
				Usage: "serve priors and decode only",
			},
		),
		Action: func(c *cli.Context) error {
			opts := []server.Option{server.WithLogger(logger())}
			if !c.Bool("no-engine") {
				e, err := buildEngine(c, logger())
				if err != nil {
					return err
				}
				defer e.Close()
				opts = append(opts, server.WithEngine(e))
			}

			cfg := server.DefaultConfig()
			cfg.Addr = c.String(flagAddr)
			return server.New(cfg, opts...).Run(c.Context)
		},
	}
}

func benchCommand(logger func() *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "run benchmark scenarios over the pyramid backbone",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load detector configuration from YAML `FILE`",
				EnvVars: []string{"SSD_CONFIG"},
			},
			&cli.StringFlag{Name: "scenarios", Usage: "YAML scenario set `FILE`"},
			&cli.StringFlag{Name: "images", Usage: "image `PATH` used as corpus; synthetic frames when empty"},
			&cli.StringFlag{Name: flagOutput, Value: "./benchmark_results", Usage: "results `DIR`"},
			&cli.IntSliceFlag{Name: "batch", Usage: "compare these batch sizes instead of a quick run"},
		),
		Action: func(c *cli.Context) error {
			base := detector.DefaultConfig()
			if path := c.String(flagConfig); path != "" {
				var err error
				if base, err = detector.LoadConfig(path); err != nil {
					return err
				}
			}

			suite := benchmark.NewSuite(benchmark.Options{
				Factory:   benchmark.PyramidEngineFactory(base, logger()),
				Logger:    logger(),
				OutputDir: c.String(flagOutput),
			})
			if path := c.String("images"); path != "" {
				if err := suite.LoadCorpus(path); err != nil {
					return err
				}
			} else if err := suite.SyntheticCorpus(4, 640, 480); err != nil {
				return err
			}

			variant := model.Name(c.String(flagModel))
			switch {
			case c.String("scenarios") != "":
				set, err := benchmark.LoadScenarioSet(c.String("scenarios"))
				if err != nil {
					return err
				}
				suite.AddScenarioSet(set)
			case len(c.IntSlice("batch")) > 0:
				suite.AddScenarioSet(benchmark.BatchScenarios(variant, c.IntSlice("batch")...))
			default:
				suite.AddScenarioSet(benchmark.QuickScenarios([]model.Name{variant}))
			}

			if err := suite.RunAllScenarios(c.Context); err != nil {
				return err
			}
			for _, r := range suite.Results() {
				fmt.Fprintf(c.App.Writer, "%s: %.2f fps, %d detections, error rate %.2f\n",
					r.Scenario.Name, r.FramesPerSecond, r.DetectionCount, r.ErrorRate)
			}
			return nil
		},
	}
}
