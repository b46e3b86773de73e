// Package dedupe finds duplicate and near-duplicate frames using DCT-based
// perceptual hashing.
package dedupe

import (
	"encoding/hex"
	"image"
	"log/slog"
	"math/bits"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"diascan/internal/watcher"
)

const (
	// hashSize is the side of the low-frequency DCT block; 16x16 gives a
	// 256-bit fingerprint.
	hashSize = 16
	// dctSize is the resample side before the transform.
	dctSize = 64

	// ExactThreshold classifies a match as an exact duplicate.
	ExactThreshold = 0.99
)

// Group is one set of mutually similar images found in a corpus.
type Group struct {
	Seed          string  `json:"seed"`
	Matches       []Match `json:"matches"`
	AvgSimilarity float64 `json:"avg_similarity"`
	Kind          string  `json:"kind"`   // "exact", "near", "similar"
	Action        string  `json:"action"` // "skip", "alert", "none"
}

// Match pairs a matched path with its similarity to the group seed.
type Match struct {
	Path       string  `json:"path"`
	Similarity float64 `json:"similarity"`
}

// ScanRecord classifies one inbound file against an archived corpus.
type ScanRecord struct {
	Kind       string  `json:"kind"` // "exact" or "near"
	InputFile  string  `json:"input_file"`
	MatchFile  string  `json:"match"`
	Similarity float64 `json:"similarity"`
	Action     string  `json:"action"` // "skip" or "alert"
}

// ScanReport aggregates a cross-corpus ingest scan.
type ScanReport struct {
	Records    []ScanRecord `json:"records"`
	SkipCount  int          `json:"skip_count"`
	AlertCount int          `json:"alert_count"`
	TotalInput int          `json:"total_input"`
}

// Detector computes and caches perceptual hashes and groups images by
// similarity. The cache is append-only and safe for concurrent readers.
type Detector struct {
	threshold float64
	log       *slog.Logger

	mu    sync.RWMutex
	cache map[string]string // path -> hex hash, "" for undecodable files
}

// New creates a detector with the given similarity threshold (0.0-1.0).
func New(threshold float64, log *slog.Logger) *Detector {
	return &Detector{
		threshold: threshold,
		log:       log,
		cache:     make(map[string]string),
	}
}

// SetThreshold replaces the similarity threshold. Call before scanning, not
// concurrently with it.
func (d *Detector) SetThreshold(v float64) {
	d.threshold = v
}

// HashFor returns the cached perceptual hash for path, computing it on the
// first request. Decode failures cache an empty hash, which never matches.
func (d *Detector) HashFor(path string) string {
	d.mu.RLock()
	h, ok := d.cache[path]
	d.mu.RUnlock()
	if ok {
		return h
	}

	h = ComputeHash(path)
	if h == "" {
		d.log.Error("could not hash image", "file", filepath.Base(path))
	}

	d.mu.Lock()
	d.cache[path] = h
	d.mu.Unlock()
	return h
}

// ComputeHash calculates a 256-bit DCT perceptual hash as a hex string.
// Returns "" if the image cannot be decoded.
func ComputeHash(path string) string {
	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	if img.Empty() {
		return ""
	}
	defer img.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(dctSize, dctSize), 0, 0, gocv.InterpolationLinear)

	floatImg := gocv.NewMat()
	defer floatImg.Close()
	resized.ConvertTo(&floatImg, gocv.MatTypeCV32F)

	dct := gocv.NewMat()
	defer dct.Close()
	gocv.DCT(floatImg, &dct, 0)

	lowFreq := dct.Region(image.Rect(0, 0, hashSize, hashSize))
	defer lowFreq.Close()

	values := make([]float32, 0, hashSize*hashSize)
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			values = append(values, lowFreq.GetFloatAt(y, x))
		}
	}
	median := calculateMedian(values)

	hashBytes := make([]byte, 0, hashSize*hashSize/8)
	var current byte
	var bitCount uint
	for _, v := range values {
		current <<= 1
		if v >= median {
			current |= 1
		}
		bitCount++
		if bitCount == 8 {
			hashBytes = append(hashBytes, current)
			current = 0
			bitCount = 0
		}
	}

	return hex.EncodeToString(hashBytes)
}

// Similarity converts Hamming distance between two hex hashes to a score in
// [0,1]. Any comparison involving an empty hash yields 0.
func Similarity(h1, h2 string) float64 {
	if h1 == "" || h2 == "" || len(h1) != len(h2) {
		return 0
	}

	b1, err1 := hex.DecodeString(h1)
	b2, err2 := hex.DecodeString(h2)
	if err1 != nil || err2 != nil {
		return 0
	}

	distance := 0
	for i := range b1 {
		distance += bits.OnesCount8(b1[i] ^ b2[i])
	}

	totalBits := len(h1) * 4
	sim := 1.0 - float64(distance)/float64(totalBits)
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// FindDuplicates groups similar images within one directory tree.
//
// Grouping is representative-based, not transitive closure: images are
// visited in encounter order, each unconsumed image seeds a group of all
// later unconsumed images within threshold, and matched images are consumed.
// An unmatched seed stays available to later groups.
func (d *Detector) FindDuplicates(dir string) ([]Group, error) {
	files, err := listImages(dir)
	if err != nil {
		return nil, err
	}
	if len(files) < 2 {
		d.log.Info("not enough images to check for duplicates", "dir", dir)
		return nil, nil
	}

	d.log.Info("computing hashes", "dir", dir, "count", len(files))
	hashes := make(map[string]string, len(files))
	var ordered []string
	for _, f := range files {
		if h := d.HashFor(f); h != "" {
			hashes[f] = h
			ordered = append(ordered, f)
		}
	}

	var groups []Group
	consumed := make(map[string]bool)

	for i, seed := range ordered {
		if consumed[seed] {
			continue
		}
		seedHash := hashes[seed]

		var matches []Match
		for _, other := range ordered[i+1:] {
			if consumed[other] {
				continue
			}
			sim := Similarity(seedHash, hashes[other])
			if sim >= d.threshold {
				matches = append(matches, Match{Path: other, Similarity: sim})
				consumed[other] = true
			}
		}

		if len(matches) == 0 {
			continue
		}
		consumed[seed] = true

		sum := 0.0
		for _, m := range matches {
			sum += m.Similarity
		}
		avg := sum / float64(len(matches))

		g := Group{
			Seed:          seed,
			Matches:       matches,
			AvgSimilarity: avg,
		}
		g.Kind, g.Action = classify(avg, d.threshold)
		groups = append(groups, g)
	}

	d.log.Info("duplicate scan finished", "dir", dir, "groups", len(groups))
	return groups, nil
}

// ScanIngest compares each inbound file against an archived corpus. The
// first exact match (>= 0.99) recommends skip; the first near match within
// threshold recommends alert; scanning a candidate stops at its first
// qualifying match.
func (d *Detector) ScanIngest(inputDir, archivedDir string) (ScanReport, error) {
	inputFiles, err := listImages(inputDir)
	if err != nil {
		return ScanReport{}, err
	}
	archivedFiles, err := listImages(archivedDir)
	if err != nil {
		return ScanReport{}, err
	}

	report := ScanReport{TotalInput: len(inputFiles)}
	if len(inputFiles) == 0 || len(archivedFiles) == 0 {
		return report, nil
	}

	for _, in := range inputFiles {
		inHash := d.HashFor(in)
		if inHash == "" {
			continue
		}

		for _, archived := range archivedFiles {
			sim := Similarity(inHash, d.HashFor(archived))

			if sim >= ExactThreshold {
				report.Records = append(report.Records, ScanRecord{
					Kind:       "exact",
					InputFile:  in,
					MatchFile:  archived,
					Similarity: sim,
					Action:     "skip",
				})
				report.SkipCount++
				break
			}

			if sim >= d.threshold {
				report.Records = append(report.Records, ScanRecord{
					Kind:       "near",
					InputFile:  in,
					MatchFile:  archived,
					Similarity: sim,
					Action:     "alert",
				})
				report.AlertCount++
				break
			}
		}
	}

	return report, nil
}

func classify(similarity, threshold float64) (kind, action string) {
	switch {
	case similarity >= ExactThreshold:
		return "exact", "skip"
	case similarity >= threshold:
		return "near", "alert"
	default:
		return "similar", "none"
	}
}

// listImages walks dir for supported image files in lexical order.
func listImages(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && watcher.IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func calculateMedian(values []float32) float32 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float32, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
