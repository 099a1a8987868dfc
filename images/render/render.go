// Package render draws detections onto images with OpenCV.
package render

import (
	"crypto/md5"
	"fmt"
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-ssd/models/postprocess"
)

// Options controls how detections are drawn.
type Options struct {
	// Thickness of the box outline in pixels.
	Thickness int
	// FontScale of the label text; 0 disables labels.
	FontScale float64
	// Palette colours boxes by class index, cycling when exhausted.
	Palette []color.RGBA
}

// DefaultOptions draws 2px boxes with labels.
func DefaultOptions() Options {
	return Options{
		Thickness: 2,
		FontScale: 0.5,
		Palette: []color.RGBA{
			{R: 255, A: 255},
			{G: 255, A: 255},
			{B: 255, A: 255},
			{R: 255, G: 255, A: 255},
			{R: 255, B: 255, A: 255},
			{G: 255, B: 255, A: 255},
		},
	}
}

func (o Options) color(class int) color.RGBA {
	if len(o.Palette) == 0 {
		return color.RGBA{R: 255, A: 255}
	}
	return o.Palette[class%len(o.Palette)]
}

// Rect maps a normalized detection box onto an image of the given size,
// clipped to the image.
func Rect(r postprocess.Result, size image.Point) image.Rectangle {
	return r.Box.Clip().Scale(size.X, size.Y).ToRect()
}

// Draw annotates mat in place with one rectangle (and label) per detection.
//
// Arguments:
//   - mat: The image to draw on.
//   - dets: Detections in normalized coordinates.
//   - opts: Drawing options.
//
// Returns:
//   - error: The OpenCV error of the first failed drawing call.
func Draw(mat *gocv.Mat, dets []postprocess.Result, opts Options) error {
	size := image.Pt(mat.Cols(), mat.Rows())
	for _, d := range dets {
		rect := Rect(d, size)
		c := opts.color(d.Class)
		if err := gocv.Rectangle(mat, rect, c, opts.Thickness); err != nil {
			return errors.Wrap(err, "drawing box")
		}
		if opts.FontScale > 0 {
			label := d.Label
			if label == "" {
				label = fmt.Sprintf("%d", d.Class)
			}
			org := image.Pt(rect.Min.X, rect.Min.Y-4)
			if org.Y < 10 {
				org.Y = rect.Min.Y + 12
			}
			if err := gocv.PutText(mat, fmt.Sprintf("%s %.2f", label, d.Score), org,
				gocv.FontHersheyPlain, opts.FontScale*2, c, 1); err != nil {
				return errors.Wrap(err, "drawing label")
			}
		}
	}
	return nil
}

// Annotate converts img to a Mat and draws dets on it. The caller must
// Close the result.
func Annotate(img image.Image, dets []postprocess.Result, opts Options) (gocv.Mat, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "converting image")
	}
	if err := Draw(&mat, dets, opts); err != nil {
		mat.Close()
		return gocv.NewMat(), err
	}
	return mat, nil
}

// WriteFile annotates img and writes it to path; the format follows the
// file extension. It returns the Checksum of the annotated frame.
func WriteFile(path string, img image.Image, dets []postprocess.Result, opts Options) (string, error) {
	mat, err := Annotate(img, dets, opts)
	if err != nil {
		return "", err
	}
	defer mat.Close()
	sum, err := Checksum(mat)
	if err != nil {
		return "", err
	}
	if !gocv.IMWrite(path, mat) {
		return "", errors.Errorf("writing %s", path)
	}
	return sum, nil
}

// Checksum generates a deterministic checksum for a Mat.
//
// Arguments:
// - mat: The Mat to compute checksum for.
//
// Returns:
// - A hex-encoded MD5 checksum string, "empty" for an empty Mat.
// - An error when the pixel data cannot be read.
func Checksum(mat gocv.Mat) (string, error) {
	if mat.Empty() {
		return "empty", nil
	}

	data, err := mat.DataPtrUint8()
	if err != nil {
		return "", errors.Wrap(err, "reading mat data")
	}
	return fmt.Sprintf("%x", md5.Sum(data)), nil
}
