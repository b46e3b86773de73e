package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// exifTimeLayout is the EXIF timestamp format, e.g. "2024:02:10 14:32:15".
const exifTimeLayout = "2006:01:02 15:04:05"

// exifDateFields in priority order.
var exifDateFields = []exif.FieldName{
	exif.DateTimeOriginal,
	exif.DateTimeDigitized,
	exif.DateTime,
}

// captureDate derives the archival timestamp for a raw frame: the first
// parsable EXIF date field, else the file modification time.
func captureDate(path string) (time.Time, error) {
	if t, err := exifDate(path); err == nil {
		return t, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func exifDate(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return time.Time{}, err
	}

	for _, field := range exifDateFields {
		tag, err := x.Get(field)
		if err != nil {
			continue
		}
		raw, err := tag.StringVal()
		if err != nil {
			continue
		}
		if t, err := time.ParseInLocation(exifTimeLayout, raw, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("no parsable EXIF date in %s", filepath.Base(path))
}

// uniqueDestination resolves a collision-free archival path in dir for the
// given capture date and extension: image_<YYMMDD>_<HHMMSS><ext>, with a
// two-digit counter suffix when the stem is taken.
func uniqueDestination(dir string, date time.Time, ext string) string {
	baseName := "image_" + date.Format("060102_150405")
	candidate := filepath.Join(dir, baseName+ext)

	counter := 1
	for {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%02d%s", baseName, counter, ext))
		counter++
	}
}

// moveFile relocates src to dst, falling back to copy-then-delete when the
// rename crosses devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	in.Close()
	return os.Remove(src)
}

// ingest relocates a stable raw frame into the analysed directory under a
// canonical, collision-free name derived from its capture date.
func (p *Pipeline) ingest(path string) (string, error) {
	date, err := captureDate(path)
	if err != nil {
		return "", fmt.Errorf("could not determine capture date: %w", err)
	}

	if err := os.MkdirAll(p.cfg.Paths.AnalysedDir, 0o755); err != nil {
		return "", err
	}

	dst := uniqueDestination(p.cfg.Paths.AnalysedDir, date, filepath.Ext(path))
	if err := moveFile(path, dst); err != nil {
		return "", fmt.Errorf("could not relocate %s: %w", filepath.Base(path), err)
	}

	p.log.Info("ingested", "from", filepath.Base(path), "to", filepath.Base(dst))
	return dst, nil
}
