package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/images"
	"github.com/nvr-ai/go-ssd/models"
	"github.com/nvr-ai/go-ssd/models/model"
	"github.com/nvr-ai/go-ssd/models/postprocess"
	"github.com/nvr-ai/go-ssd/priors"
)

// ModelInfo describes one registered variant.
type ModelInfo struct {
	Name      model.Name         `json:"name"`
	Preset    string             `json:"preset"`
	Channels  []int              `json:"channels"`
	NumPriors int                `json:"num_priors"`
	InputSize [2]int             `json:"input_size"`
	Levels    []LevelInfo        `json:"levels"`
	Config    priors.ScaleConfig `json:"config"`
}

// LevelInfo locates one pyramid level in the lattice.
type LevelInfo struct {
	Offset       int `json:"offset"`
	Count        int `json:"count"`
	Width        int `json:"width"`
	Height       int `json:"height"`
	BoxesPerCell int `json:"boxes_per_cell"`
}

// PriorsResponse is a window of a variant's lattice.
type PriorsResponse struct {
	Model  model.Name        `json:"model"`
	Total  int               `json:"total"`
	Offset int               `json:"offset"`
	Priors []common.PriorBox `json:"priors"`
}

// DecodeRequest carries raw head outputs for one image.
type DecodeRequest struct {
	Model      model.Name             `json:"model" binding:"required"`
	Family     model.Family           `json:"family"`
	Prediction postprocess.Prediction `json:"prediction"`
	Decoder    *postprocess.Config    `json:"decoder,omitempty"`
	// Classes, when set, keeps only the named classes.
	Classes []string `json:"classes,omitempty"`
}

// DetectionsResponse wraps decoded detections.
type DetectionsResponse struct {
	Model      model.Name           `json:"model"`
	Detections []postprocess.Result `json:"detections"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listModels(c *gin.Context) {
	variants := models.Variants()
	out := make([]ModelInfo, 0, len(variants))
	for _, v := range variants {
		info, err := describe(v)
		if err != nil {
			s.fail(c, err)
			return
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, out)
}

func describe(v model.Variant) (ModelInfo, error) {
	cfg, err := priors.Preset(v.Preset)
	if err != nil {
		return ModelInfo{}, err
	}
	lattice, err := priors.Shared(cfg)
	if err != nil {
		return ModelInfo{}, err
	}
	w, h := cfg.InputSize()
	info := ModelInfo{
		Name:      v.Name,
		Preset:    v.Preset,
		Channels:  v.Channels,
		NumPriors: lattice.Len(),
		InputSize: [2]int{w, h},
		Config:    cfg,
	}
	for _, l := range lattice.Levels() {
		info.Levels = append(info.Levels, LevelInfo{
			Offset:       l.Offset,
			Count:        l.Count,
			Width:        l.Width,
			Height:       l.Height,
			BoxesPerCell: l.BoxesPerCell,
		})
	}
	return info, nil
}

func (s *Server) getPriors(c *gin.Context) {
	name := model.Name(c.Param("model"))
	variant, err := models.LookupVariant(name)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	cfg, err := priors.Preset(variant.Preset)
	if err != nil {
		s.fail(c, err)
		return
	}
	lattice, err := priors.Shared(cfg)
	if err != nil {
		s.fail(c, err)
		return
	}

	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit", s.cfg.MaxPriors)
	if err != nil {
		s.fail(c, err)
		return
	}
	if limit > s.cfg.MaxPriors {
		limit = s.cfg.MaxPriors
	}
	if offset > lattice.Len() {
		offset = lattice.Len()
	}
	end := offset + limit
	if end > lattice.Len() {
		end = lattice.Len()
	}

	out := PriorsResponse{Model: name, Total: lattice.Len(), Offset: offset, Priors: make([]common.PriorBox, 0, end-offset)}
	for i := offset; i < end; i++ {
		out.Priors = append(out.Priors, lattice.At(i))
	}
	c.JSON(http.StatusOK, out)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, common.NewConfigurationError(key, "non-negative integer", ">= 0", raw)
	}
	return v, nil
}

func (s *Server) decode(c *gin.Context) {
	var req DecodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	dec, err := models.NewDecoder(req.Model, req.Family, req.Decoder)
	if err != nil {
		s.fail(c, err)
		return
	}
	pred := req.Prediction
	if pred.NumPriors == 0 {
		pred.NumPriors = len(pred.Loc) / 4
	}
	if pred.NumClasses == 0 {
		pred.NumClasses = dec.Config().NumClasses
	}

	dets, err := dec.Decode(c.Request.Context(), pred)
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(req.Classes) > 0 {
		family := req.Family
		if family == "" {
			family = model.FamilyVOC
		}
		keep, err := models.ClassFilter(family, req.Classes...)
		if err != nil {
			s.fail(c, err)
			return
		}
		dets = keep(dets)
	}
	if dets == nil {
		dets = []postprocess.Result{}
	}
	c.JSON(http.StatusOK, DetectionsResponse{Model: req.Model, Detections: dets})
}

// detect runs the configured engine over a JPEG or PNG request body.
func (s *Server) detect(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "no inference engine configured"})
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
		return
	}
	img, _, err := images.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: errors.Wrap(err, "decoding image").Error()})
		return
	}
	dets, err := s.engine.Predict(c.Request.Context(), img)
	if err != nil {
		s.fail(c, err)
		return
	}
	if dets == nil {
		dets = []postprocess.Result{}
	}
	c.JSON(http.StatusOK, DetectionsResponse{
		Model:      s.engine.Detector().Model().Name(),
		Detections: dets,
	})
}

// fail maps domain errors to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		cfgErr   *common.ConfigurationError
		shapeErr *common.ShapeMismatchError
		decErr   *common.DecodeError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case errors.As(err, &shapeErr), errors.As(err, &decErr):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}
