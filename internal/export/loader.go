package export

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Archive is a loaded export: the parsed event list plus attachment
// blobs keyed by normalized filename.
type Archive struct {
	File        *File
	Attachments map[string][]byte
}

// Load reads an export from disk. A .zip archive is expected to hold
// <stem>/export.json next to its attachment files; anything else is
// treated as a plain export JSON without attachments.
func Load(p string) (*Archive, error) {
	if strings.EqualFold(filepath.Ext(p), ".zip") {
		return loadZip(p)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read export file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse export file: %w", err)
	}

	return &Archive{File: &f, Attachments: map[string][]byte{}}, nil
}

func loadZip(p string) (*Archive, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open export archive: %w", err)
	}
	defer r.Close()

	stem := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	exportPath := stem + "/export.json"

	archive := &Archive{Attachments: make(map[string][]byte)}
	for _, zf := range r.File {
		if zf.FileInfo().IsDir() {
			continue
		}

		data, err := readZipFile(zf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", zf.Name, err)
		}

		if zf.Name == exportPath || path.Base(zf.Name) == "export.json" {
			var f File
			if err := json.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", zf.Name, err)
			}
			archive.File = &f
			continue
		}

		archive.Attachments[NormalizeFilename(path.Base(zf.Name))] = data
	}

	if archive.File == nil {
		return nil, fmt.Errorf("archive has no %s", exportPath)
	}
	return archive, nil
}

func readZipFile(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

var (
	// "photo (2).jpg" -> "photo.jpg"
	dedupSuffixRe = regexp.MustCompile(`\s\(\d+\)$`)
	// "photo-1697040000000.jpg" -> "photo.jpg"
	timestampSuffixRe = regexp.MustCompile(`-\d{10,13}$`)
)

// NormalizeFilename strips the dedup counters and timestamp suffixes
// exporting clients append to attachment names, so attachments can be
// matched back to the filename recorded in the message event.
func NormalizeFilename(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	stem = dedupSuffixRe.ReplaceAllString(stem, "")
	stem = timestampSuffixRe.ReplaceAllString(stem, "")
	return stem + ext
}
