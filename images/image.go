// Package images converts decoded images into the planar float tensors and
// feature pyramids consumed by the detector.
package images

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
)

// Formats lists the formats Decode and Encode accept.
var Formats = []ImageFormat{FormatJPEG, FormatPNG, FormatWebP}

// isWebP matches the RIFF....WEBP container header.
func isWebP(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}

// Image represents an encoded image with its format and dimensions.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image.
	Width int `json:"width" yaml:"width"`
	// The height of the image.
	Height int `json:"height" yaml:"height"`
}

// Decode decodes a JPEG, PNG or WebP payload.
//
// Arguments:
//   - data: The encoded bytes.
//
// Returns:
//   - image.Image: The decoded image.
//   - *Image: The payload with its format and dimensions filled in.
//   - error: An error if the payload is not a supported image.
func Decode(data []byte) (image.Image, *Image, error) {
	if isWebP(data) {
		img, err := webp.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, nil, errors.Wrap(err, "decoding webp image")
		}
		b := img.Bounds()
		return img, &Image{Format: FormatWebP, Data: data, Width: b.Dx(), Height: b.Dy()}, nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding image")
	}
	b := img.Bounds()
	return img, &Image{Format: ImageFormat(format), Data: data, Width: b.Dx(), Height: b.Dy()}, nil
}

// Encode encodes img in the given format. JPEG and WebP use quality 90.
func Encode(img image.Image, format ImageFormat) (*Image, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: 90})
	default:
		return nil, errors.Errorf("unsupported image format: %s", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s", format)
	}
	b := img.Bounds()
	return &Image{Format: format, Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

// Resize scales img to width x height with Lanczos3. An image already at
// that size is returned unchanged.
func Resize(img image.Image, width, height int) image.Image {
	return resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
}
