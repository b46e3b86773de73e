package enhance

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"gocv.io/x/gocv"
	"gopkg.in/gographics/imagick.v3/imagick"

	"diascan/internal/config"
)

// Encoder writes one mandatory lossy output plus any requested optional
// archival encodings. Optional formats go through ImageMagick; if the wand
// is unusable they are skipped, never failed.
type Encoder struct {
	jpegQuality int
	optional    []string // "png", "tiff", "jxl"
	wandOK      bool
	log         *slog.Logger
}

// NewEncoder builds an encoder from processing config and probes ImageMagick
// availability when optional formats are requested.
func NewEncoder(cfg config.Processing, log *slog.Logger) *Encoder {
	e := &Encoder{
		jpegQuality: cfg.JPEGQuality,
		log:         log,
	}
	if e.jpegQuality <= 0 {
		e.jpegQuality = 95
	}

	if cfg.EnablePNGArchive {
		e.optional = append(e.optional, "png")
	}
	if cfg.EnableTIFFFull {
		e.optional = append(e.optional, "tiff")
	}
	if cfg.EnableJPEGXL {
		e.optional = append(e.optional, "jxl")
	}

	if len(e.optional) > 0 {
		e.wandOK = probeWand()
		if !e.wandOK {
			log.Warn("imagemagick unavailable, optional encodings will be skipped",
				"formats", e.optional)
		}
	}

	return e
}

// Close releases the ImageMagick environment.
func (e *Encoder) Close() {
	if e.wandOK {
		imagick.Terminate()
		e.wandOK = false
	}
}

// Save writes the enhanced frame next to outputStem (a path without
// extension). Returns format -> written path. A JPEG write failure is an
// error; optional formats degrade silently to skipped.
func (e *Encoder) Save(img gocv.Mat, outputStem string) (map[string]string, error) {
	saved := make(map[string]string)

	jpgPath := outputStem + ".jpg"
	params := []int{gocv.IMWriteJpegQuality, e.jpegQuality}
	if ok := gocv.IMWriteWithParams(jpgPath, img, params); !ok {
		return nil, fmt.Errorf("failed to write %s", jpgPath)
	}
	saved["jpg"] = jpgPath

	if len(e.optional) == 0 {
		return saved, nil
	}
	if !e.wandOK {
		return saved, nil
	}

	// One PNG-encoded intermediate feeds every wand-backed format.
	buf, err := gocv.IMEncode(".png", img)
	if err != nil {
		e.log.Warn("could not encode intermediate for archival formats", "error", err)
		return saved, nil
	}
	defer buf.Close()
	blob := buf.GetBytes()

	for _, format := range e.optional {
		path, err := e.writeWithWand(blob, outputStem, format)
		if err != nil {
			e.log.Warn("optional encoding skipped", "format", format, "error", err)
			continue
		}
		saved[format] = path
	}

	return saved, nil
}

func (e *Encoder) writeWithWand(blob []byte, outputStem, format string) (string, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImageBlob(blob); err != nil {
		return "", fmt.Errorf("failed to read intermediate: %w", err)
	}

	var path string
	switch format {
	case "png":
		path = outputStem + "_archive.png"
		if err := mw.SetImageFormat("PNG"); err != nil {
			return "", err
		}
	case "tiff":
		path = outputStem + "_16bit.tif"
		if err := mw.SetImageFormat("TIFF"); err != nil {
			return "", err
		}
		if err := mw.SetImageDepth(16); err != nil {
			return "", err
		}
	case "jxl":
		path = outputStem + ".jxl"
		if err := mw.SetImageFormat("JXL"); err != nil {
			return "", err
		}
		if err := mw.SetImageCompressionQuality(uint(e.jpegQuality)); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}

	if err := mw.WriteImage(path); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// probeWand initializes ImageMagick and verifies a wand can be created.
func probeWand() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	imagick.Initialize()
	mw := imagick.NewMagickWand()
	if mw == nil {
		imagick.Terminate()
		return false
	}
	mw.Destroy()
	return true
}
