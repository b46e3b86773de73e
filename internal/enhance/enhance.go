// Package enhance implements the adaptive multi-stage enhancement engine for
// scanned film frames: bit-depth normalization, histogram auto-levels, local
// contrast via CLAHE, optional face-aware softening, and auto-quality preset
// selection.
package enhance

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"

	"gocv.io/x/gocv"

	"diascan/internal/config"
)

// ErrDecode marks a corrupt or unreadable source image. Fatal for that file.
var ErrDecode = errors.New("could not decode image")

const (
	// Percentile bounds for 16-bit to 8-bit stretch.
	stretchLowPct  = 0.1
	stretchHighPct = 99.9

	// Frames above this size on either axis skip face detection.
	maxFaceDetectSize = 8000

	// Soft mask parameters for face-aware blending.
	faceMarginRatio = 0.3
	maskBlurKernel  = 51
)

// Preset is a fixed clip/contrast-limit pair for auto-quality search.
type Preset struct {
	Name      string
	HistClip  float64
	CLAHEClip float64
}

// Presets in declared evaluation order; ties resolve to the first evaluated.
var Presets = []Preset{
	{Name: "gentle", HistClip: 0.3, CLAHEClip: 1.0},
	{Name: "balanced", HistClip: 0.5, CLAHEClip: 1.5},
	{Name: "aggressive", HistClip: 0.7, CLAHEClip: 2.0},
}

// Params records the enhancement parameters actually applied.
type Params struct {
	HistogramClip float64 `json:"histogram_clip"`
	CLAHEClip     float64 `json:"clahe_clip"`
	Preset        string  `json:"preset,omitempty"`
}

// Result is the ephemeral product of enhancing one frame. Close must be
// called once the pixel buffer is no longer needed.
type Result struct {
	Enhanced     gocv.Mat
	Width        int // original dimensions
	Height       int
	Params       Params
	FaceDetected bool
	QualityScore float64
}

// Close releases the enhanced pixel buffer.
func (r *Result) Close() {
	if r != nil && !r.Enhanced.Empty() {
		r.Enhanced.Close()
	}
}

// Engine applies the enhancement pipeline. One engine serves many frames;
// it is not safe for concurrent Process calls because the cascade classifier
// is stateful.
type Engine struct {
	histClip      float64
	claheClip     float64
	adaptiveGrid  bool
	faceDetection bool
	autoQuality   bool

	cascade   gocv.CascadeClassifier
	cascadeOK bool

	log *slog.Logger
}

// NewEngine builds an engine from processing config. The face cascade is
// probed at construction; a missing model disables face-aware softening
// without failing.
func NewEngine(cfg config.Processing, cascadePath string, log *slog.Logger) *Engine {
	e := &Engine{
		histClip:      cfg.HistogramClip,
		claheClip:     cfg.CLAHEClip,
		adaptiveGrid:  cfg.AdaptiveGrid,
		faceDetection: cfg.FaceDetection,
		autoQuality:   cfg.AutoQuality,
		log:           log,
	}

	if cfg.FaceDetection {
		if _, err := os.Stat(cascadePath); err == nil {
			e.cascade = gocv.NewCascadeClassifier()
			if e.cascade.Load(cascadePath) {
				e.cascadeOK = true
			} else {
				e.cascade.Close()
			}
		}
		if e.cascadeOK {
			log.Debug("face cascade loaded", "path", cascadePath)
		} else {
			log.Warn("face cascade unavailable, face-aware softening disabled", "path", cascadePath)
		}
	}

	return e
}

// FaceDetectionAvailable reports whether the cascade model loaded.
func (e *Engine) FaceDetectionAvailable() bool { return e.cascadeOK }

// Close releases the cascade classifier.
func (e *Engine) Close() {
	if e.cascadeOK {
		e.cascade.Close()
		e.cascadeOK = false
	}
}

// Process enhances the frame at path. With the engine's auto-quality mode
// the full pipeline runs once per preset and the best-scoring result wins.
func (e *Engine) Process(path string) (*Result, error) {
	img, err := e.loadImage(path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	width := img.Cols()
	height := img.Rows()

	if e.autoQuality {
		return e.processAutoQuality(img, width, height)
	}

	enhanced, faces := e.enhanceWith(img, e.histClip, e.claheClip)
	score := qualityScore(enhanced)

	return &Result{
		Enhanced: enhanced,
		Width:    width,
		Height:   height,
		Params: Params{
			HistogramClip: e.histClip,
			CLAHEClip:     e.claheClip,
		},
		FaceDetected: faces,
		QualityScore: score,
	}, nil
}

func (e *Engine) processAutoQuality(img gocv.Mat, width, height int) (*Result, error) {
	var best *Result
	for _, p := range Presets {
		enhanced, faces := e.enhanceWith(img, p.HistClip, p.CLAHEClip)
		score := qualityScore(enhanced)

		// Strict greater-than keeps the first preset on ties.
		if best == nil || score > best.QualityScore {
			if best != nil {
				best.Close()
			}
			best = &Result{
				Enhanced: enhanced,
				Width:    width,
				Height:   height,
				Params: Params{
					HistogramClip: p.HistClip,
					CLAHEClip:     p.CLAHEClip,
					Preset:        p.Name,
				},
				FaceDetected: faces,
				QualityScore: score,
			}
		} else {
			enhanced.Close()
		}
	}
	return best, nil
}

// loadImage decodes and normalizes a frame: 16-bit input is rescaled to
// 8-bit via percentile stretch, single-channel input promoted to 3-channel.
func (e *Engine) loadImage(path string) (gocv.Mat, error) {
	img := gocv.IMRead(path, gocv.IMReadUnchanged)
	if img.Empty() {
		return img, fmt.Errorf("%w: %s", ErrDecode, path)
	}

	if img.Type() == gocv.MatTypeCV16U || img.Type() == gocv.MatTypeCV16UC3 || img.Type() == gocv.MatTypeCV16UC4 {
		stretched := stretch16to8(img)
		img.Close()
		img = stretched
	}

	if img.Channels() == 1 {
		bgr := gocv.NewMat()
		gocv.CvtColor(img, &bgr, gocv.ColorGrayToBGR)
		img.Close()
		img = bgr
	} else if img.Channels() == 4 {
		bgr := gocv.NewMat()
		gocv.CvtColor(img, &bgr, gocv.ColorBGRAToBGR)
		img.Close()
		img = bgr
	}

	return img, nil
}

// enhanceWith runs auto-levels, CLAHE, and optional face-aware softening
// with explicit parameters. The caller owns the returned Mat.
func (e *Engine) enhanceWith(img gocv.Mat, histClip, claheClip float64) (gocv.Mat, bool) {
	leveled := e.autoLevels(img, histClip)
	defer leveled.Close()

	full := e.labCLAHE(leveled, claheClip)

	if !e.faceDetection || !e.cascadeOK {
		return full, false
	}
	if img.Cols() > maxFaceDetectSize || img.Rows() > maxFaceDetectSize {
		return full, false
	}

	faces := e.detectFaces(leveled)
	if len(faces) == 0 {
		return full, false
	}

	gentle := e.labCLAHE(leveled, claheClip*0.5)
	defer gentle.Close()
	defer full.Close()

	return blendFaceRegions(gentle, full, faces), true
}

// autoLevels removes gray haze by locating the gray levels bounding the
// clip percentage at each histogram tail and rescaling linearly.
func (e *Engine) autoLevels(img gocv.Mat, clipPercent float64) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	hist := gocv.NewMat()
	defer hist.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.CalcHist([]gocv.Mat{gray}, []int{0}, mask, &hist, []int{256}, []float64{0, 256}, false)

	total := gray.Rows() * gray.Cols()
	clipPixels := float64(total) * clipPercent / 100

	minGray, maxGray := -1, -1
	cum := 0.0
	for i := 0; i < 256; i++ {
		cum += float64(hist.GetFloatAt(i, 0))
		if minGray < 0 && cum >= clipPixels {
			minGray = i
		}
		if maxGray < 0 && cum >= float64(total)-clipPixels {
			maxGray = i
		}
	}

	// Degenerate bounds: leave the frame untouched.
	if maxGray <= minGray {
		return img.Clone()
	}

	alpha := 255.0 / float64(maxGray-minGray)
	beta := -alpha * float64(minGray)

	out := gocv.NewMat()
	img.ConvertToWithParams(&out, gocv.MatTypeCV8U, float32(alpha), float32(beta))
	return out
}

// labCLAHE applies contrast-limited adaptive equalization to the L channel
// in LAB space, preserving chroma.
func (e *Engine) labCLAHE(img gocv.Mat, clipLimit float64) gocv.Mat {
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(img, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()

	grid := image.Pt(8, 8)
	if e.adaptiveGrid {
		grid = adaptiveGridSize(img.Cols(), img.Rows())
	}

	clahe := gocv.NewCLAHEWithParams(clipLimit, grid)
	defer clahe.Close()

	lEnhanced := gocv.NewMat()
	defer lEnhanced.Close()
	clahe.Apply(channels[0], &lEnhanced)

	merged := gocv.NewMat()
	defer merged.Close()
	gocv.Merge([]gocv.Mat{lEnhanced, channels[1], channels[2]}, &merged)

	out := gocv.NewMat()
	gocv.CvtColor(merged, &out, gocv.ColorLabToBGR)
	return out
}

// adaptiveGridSize scales CLAHE tiles with resolution: one tile per ~450px,
// clamped to [4,16] per axis.
func adaptiveGridSize(width, height int) image.Point {
	return image.Pt(clampInt(width/450, 4, 16), clampInt(height/450, 4, 16))
}

func (e *Engine) detectFaces(img gocv.Mat) []image.Rectangle {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	return e.cascade.DetectMultiScaleWithParams(gray, 1.1, 5, 0,
		image.Pt(30, 30), image.Pt(0, 0))
}

// blendFaceRegions alpha-blends the gentle result inside soft elliptical
// face masks with the full-strength result outside.
func blendFaceRegions(gentle, full gocv.Mat, faces []image.Rectangle) gocv.Mat {
	rows := full.Rows()
	cols := full.Cols()

	mask8 := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8U)
	defer mask8.Close()

	for _, f := range faces {
		w := f.Dx()
		h := f.Dy()
		margin := int(float64(maxInt(w, h)) * faceMarginRatio)

		x1 := clampInt(f.Min.X-margin, 0, cols)
		y1 := clampInt(f.Min.Y-margin, 0, rows)
		x2 := clampInt(f.Max.X+margin, 0, cols)
		y2 := clampInt(f.Max.Y+margin, 0, rows)

		center := image.Pt((x1+x2)/2, (y1+y2)/2)
		axes := image.Pt((x2-x1)/2, (y2-y1)/2)
		gocv.Ellipse(&mask8, center, axes, 0, 0, 360, color.RGBA{R: 255, G: 255, B: 255}, -1)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(mask8, &blurred, image.Pt(maskBlurKernel, maskBlurKernel), 0, 0, gocv.BorderDefault)

	weight := gocv.NewMat()
	defer weight.Close()
	blurred.ConvertToWithParams(&weight, gocv.MatTypeCV32F, 1.0/255.0, 0)

	ones := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 0, 0, 0), rows, cols, gocv.MatTypeCV32F)
	defer ones.Close()
	invWeight := gocv.NewMat()
	defer invWeight.Close()
	gocv.Subtract(ones, weight, &invWeight)

	out := gocv.NewMat()
	gocv.BlendLinear(gentle, full, weight, invWeight, &out)
	return out
}

// stretch16to8 rescales a 16-bit frame to 8-bit, clipping at the 0.1/99.9
// intensity percentiles and stretching linearly to [0,255].
func stretch16to8(img gocv.Mat) gocv.Mat {
	counts := make([]float64, 65536)
	total := 0.0

	mask := gocv.NewMat()
	defer mask.Close()

	for c := 0; c < img.Channels(); c++ {
		hist := gocv.NewMat()
		gocv.CalcHist([]gocv.Mat{img}, []int{c}, mask, &hist, []int{65536}, []float64{0, 65536}, false)
		for i := 0; i < 65536; i++ {
			v := float64(hist.GetFloatAt(i, 0))
			counts[i] += v
			total += v
		}
		hist.Close()
	}

	low := percentileLevel(counts, total, stretchLowPct)
	high := percentileLevel(counts, total, stretchHighPct)

	out := gocv.NewMat()
	if high <= low {
		// Flat frame: fall back to a plain depth reduction.
		img.ConvertToWithParams(&out, gocv.MatTypeCV8U, 1.0/256.0, 0)
		return out
	}

	alpha := 255.0 / float64(high-low)
	beta := -alpha * float64(low)
	img.ConvertToWithParams(&out, gocv.MatTypeCV8U, float32(alpha), float32(beta))
	return out
}

// percentileLevel returns the intensity at which the cumulative histogram
// crosses the given percentile.
func percentileLevel(counts []float64, total, percentile float64) int {
	target := total * percentile / 100
	cum := 0.0
	for i, c := range counts {
		cum += c
		if cum >= target {
			return i
		}
	}
	return len(counts) - 1
}

// qualityScore rates a frame 0-100: 40% sharpness (Laplacian variance,
// capped at 100), 30% contrast (deviation of luma sigma from 55), 30%
// dynamic range.
func qualityScore(img gocv.Mat) float64 {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	lapMean := gocv.NewMat()
	defer lapMean.Close()
	lapStd := gocv.NewMat()
	defer lapStd.Close()
	gocv.MeanStdDev(lap, &lapMean, &lapStd)
	lapSigma := lapStd.GetDoubleAt(0, 0)
	sharpness := lapSigma * lapSigma
	sharpnessScore := minFloat(100, sharpness/100)

	grayMean := gocv.NewMat()
	defer grayMean.Close()
	grayStd := gocv.NewMat()
	defer grayStd.Close()
	gocv.MeanStdDev(gray, &grayMean, &grayStd)
	sigma := grayStd.GetDoubleAt(0, 0)
	contrastScore := 100 * (1 - absFloat(sigma-55)/55)
	if contrastScore < 0 {
		contrastScore = 0
	}

	minVal, maxVal, _, _ := gocv.MinMaxLoc(gray)
	rangeScore := float64(maxVal-minVal) / 255 * 100

	score := sharpnessScore*0.4 + contrastScore*0.3 + rangeScore*0.3
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
