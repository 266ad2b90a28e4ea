package export

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "photo.jpg", "photo.jpg"},
		{"dedup counter", "photo (2).jpg", "photo.jpg"},
		{"timestamp suffix", "photo-1697040000000.jpg", "photo.jpg"},
		{"short number kept", "report-2024.pdf", "report-2024.pdf"},
		{"no extension", "notes (1)", "notes"},
		{"dedup then extension", "voice message (13).ogg", "voice message.ogg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeFilename(tt.input))
		})
	}
}

func TestLoad_PlainJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleExport), 0600))

	archive, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Project X", archive.File.RoomName)
	assert.Empty(t, archive.Attachments)
}

func TestLoad_Zip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project-x.zip")

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	w, err := zw.Create("project-x/export.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(sampleExport))
	require.NoError(t, err)

	w, err = zw.Create("project-x/photo (2).jpg")
	require.NoError(t, err)
	_, err = w.Write([]byte("jpegdata"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	archive, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Project X", archive.File.RoomName)
	require.Contains(t, archive.Attachments, "photo.jpg")
	assert.Equal(t, []byte("jpegdata"), archive.Attachments["photo.jpg"])
}

func TestLoad_ZipWithoutExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.zip")

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("empty/photo.jpg")
	require.NoError(t, err)
	_, err = w.Write([]byte("jpegdata"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
