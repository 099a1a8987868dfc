// Package util - Filesystem helpers for feeding images to the detector.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the frame number parsed from a "frame-<n>" file name, or the
	// file's position in name order when the name carries no number.
	Frame int
}

// ImageExtensions are the file extensions LoadDirectoryImageFiles picks up.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

func isImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: The image files ordered by frame number, then path.
// - error: Error if the directory or a file cannot be read.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading image directory %s", dir)
	}

	var images []ImageFile
	for _, file := range files {
		if file.IsDir() || !isImage(file.Name()) {
			continue
		}

		imgPath := filepath.Join(dir, file.Name())
		data, err := os.ReadFile(imgPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", imgPath)
		}
		frame := len(images)
		stem := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
		if n, err := strconv.Atoi(strings.TrimPrefix(stem, "frame-")); err == nil {
			frame = n
		}
		images = append(images, ImageFile{
			Path:  imgPath,
			Data:  data,
			Frame: frame,
		})
	}

	sort.SliceStable(images, func(i, j int) bool {
		if images[i].Frame != images[j].Frame {
			return images[i].Frame < images[j].Frame
		}
		return images[i].Path < images[j].Path
	})

	return images, nil
}
