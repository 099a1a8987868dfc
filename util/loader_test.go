package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDirectoryImages(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"frame-10.jpg": "ten",
		"frame-2.png":  "two",
		"frame-1.JPEG": "one",
		"notes.txt":    "skip",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755))

	images, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, images, 3)

	assert.Equal(t, []int{1, 2, 10}, []int{images[0].Frame, images[1].Frame, images[2].Frame})
	assert.Equal(t, "one", string(images[0].Data))
	assert.Equal(t, filepath.Join(dir, "frame-10.jpg"), images[2].Path)
}

func TestLoadDirectoryImagesUnnumbered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	images, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "a.jpg", filepath.Base(images[0].Path))
	assert.Equal(t, 0, images[0].Frame)
	assert.Equal(t, 1, images[1].Frame)
}

func TestLoadDirectoryImagesMissing(t *testing.T) {
	_, err := LoadDirectoryImageFiles(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
