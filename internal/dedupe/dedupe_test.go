package dedupe

import (
	"encoding/hex"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hashWithFlippedBits returns a 256-bit hex hash differing from the all-zero
// hash in exactly n leading bits.
func hashWithFlippedBits(n int) string {
	b := make([]byte, 32)
	for i := 0; i < n; i++ {
		b[i/8] |= 1 << uint(7-i%8)
	}
	return hex.EncodeToString(b)
}

func zeroHash() string {
	return hex.EncodeToString(make([]byte, 32))
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("placeholder"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSimilarityIdentical(t *testing.T) {
	h := hashWithFlippedBits(17)
	if got := Similarity(h, h); got != 1.0 {
		t.Fatalf("Similarity(h, h) = %v, want 1.0", got)
	}
}

func TestSimilarityEmptyAndMismatched(t *testing.T) {
	h := zeroHash()
	if got := Similarity("", h); got != 0 {
		t.Fatalf("empty left hash: got %v, want 0", got)
	}
	if got := Similarity(h, ""); got != 0 {
		t.Fatalf("empty right hash: got %v, want 0", got)
	}
	if got := Similarity(h, "abcd"); got != 0 {
		t.Fatalf("length mismatch: got %v, want 0", got)
	}
	if got := Similarity("zz", "zz"); got != 0 {
		t.Fatalf("invalid hex: got %v, want 0", got)
	}
}

func TestSimilarityHammingDistance(t *testing.T) {
	cases := []struct {
		flipped int
		want    float64
	}{
		{0, 1.0},
		{1, 1.0 - 1.0/256},
		{8, 1.0 - 8.0/256},
		{128, 0.5},
		{256, 0.0},
	}
	for _, c := range cases {
		got := Similarity(zeroHash(), hashWithFlippedBits(c.flipped))
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("flipped=%d: Similarity = %v, want %v", c.flipped, got, c.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		sim        float64
		wantKind   string
		wantAction string
	}{
		{0.995, "exact", "skip"},
		{0.99, "exact", "skip"},
		{0.96, "near", "alert"},
		{0.95, "near", "alert"},
		{0.80, "similar", "none"},
	}
	for _, c := range cases {
		kind, action := classify(c.sim, 0.95)
		if kind != c.wantKind || action != c.wantAction {
			t.Errorf("classify(%v) = (%s, %s), want (%s, %s)",
				c.sim, kind, action, c.wantKind, c.wantAction)
		}
	}
}

func TestCalculateMedian(t *testing.T) {
	if got := calculateMedian([]float32{3, 1, 2}); got != 2 {
		t.Errorf("odd count: median = %v, want 2", got)
	}
	if got := calculateMedian([]float32{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("even count: median = %v, want 2.5", got)
	}
	if got := calculateMedian(nil); got != 0 {
		t.Errorf("empty: median = %v, want 0", got)
	}
}

func TestFindDuplicatesGroupsByRepresentative(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tif")
	b := filepath.Join(dir, "b.tif")
	c := filepath.Join(dir, "c.tif")
	d := filepath.Join(dir, "d.tif")
	for _, p := range []string{a, b, c, d} {
		touch(t, p)
	}

	det := New(0.95, discardLogger())
	det.cache[a] = zeroHash()
	det.cache[b] = zeroHash()              // identical to a
	det.cache[c] = hashWithFlippedBits(2)  // 0.992 vs a, exact range
	det.cache[d] = hashWithFlippedBits(64) // 0.75 vs a, unrelated

	groups, err := det.FindDuplicates(dir)
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1: %+v", len(groups), groups)
	}

	g := groups[0]
	if g.Seed != a {
		t.Errorf("seed = %s, want %s", g.Seed, a)
	}
	if len(g.Matches) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(g.Matches), g.Matches)
	}
	if g.Matches[0].Path != b || g.Matches[1].Path != c {
		t.Errorf("matches = %+v, want [%s %s]", g.Matches, b, c)
	}
	if g.Kind != "exact" || g.Action != "skip" {
		t.Errorf("classification = (%s, %s), want (exact, skip)", g.Kind, g.Action)
	}
}

func TestFindDuplicatesUnmatchedSeedNotConsumed(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tif")
	b := filepath.Join(dir, "b.tif")
	c := filepath.Join(dir, "c.tif")
	for _, p := range []string{a, b, c} {
		touch(t, p)
	}

	det := New(0.95, discardLogger())
	det.cache[a] = hashWithFlippedBits(128) // far from both others
	det.cache[b] = zeroHash()
	det.cache[c] = hashWithFlippedBits(1)

	groups, err := det.FindDuplicates(dir)
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if groups[0].Seed != b || len(groups[0].Matches) != 1 || groups[0].Matches[0].Path != c {
		t.Fatalf("unexpected group: %+v", groups[0])
	}
}

func TestFindDuplicatesNoMatches(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tif")
	b := filepath.Join(dir, "b.tif")
	touch(t, a)
	touch(t, b)

	det := New(0.95, discardLogger())
	det.cache[a] = zeroHash()
	det.cache[b] = hashWithFlippedBits(100)

	groups, err := det.FindDuplicates(dir)
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("got %d groups, want 0", len(groups))
	}
}

func TestFindDuplicatesTooFewFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "only.tif"))

	det := New(0.95, discardLogger())
	groups, err := det.FindDuplicates(dir)
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if groups != nil {
		t.Fatalf("expected nil groups, got %+v", groups)
	}
}

func TestScanIngest(t *testing.T) {
	inputDir := t.TempDir()
	archiveDir := t.TempDir()

	exact := filepath.Join(inputDir, "exact.tif")
	near := filepath.Join(inputDir, "near.tif")
	fresh := filepath.Join(inputDir, "fresh.tif")
	arch1 := filepath.Join(archiveDir, "image_240101_120000.tif")
	arch2 := filepath.Join(archiveDir, "image_240101_130000.tif")
	for _, p := range []string{exact, near, fresh, arch1, arch2} {
		touch(t, p)
	}

	det := New(0.95, discardLogger())
	det.cache[exact] = zeroHash()
	det.cache[near] = hashWithFlippedBits(8)   // 0.969 vs zero hash
	det.cache[fresh] = hashWithFlippedBits(64) // 0.75, below threshold
	det.cache[arch1] = zeroHash()
	det.cache[arch2] = hashWithFlippedBits(200)

	report, err := det.ScanIngest(inputDir, archiveDir)
	if err != nil {
		t.Fatalf("ScanIngest: %v", err)
	}

	if report.TotalInput != 3 {
		t.Errorf("TotalInput = %d, want 3", report.TotalInput)
	}
	if report.SkipCount != 1 || report.AlertCount != 1 {
		t.Fatalf("counts = (skip %d, alert %d), want (1, 1)", report.SkipCount, report.AlertCount)
	}
	if len(report.Records) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(report.Records), report.Records)
	}

	for _, r := range report.Records {
		switch r.InputFile {
		case exact:
			if r.Kind != "exact" || r.Action != "skip" || r.MatchFile != arch1 {
				t.Errorf("exact record wrong: %+v", r)
			}
		case near:
			if r.Kind != "near" || r.Action != "alert" || r.MatchFile != arch1 {
				t.Errorf("near record wrong: %+v", r)
			}
		default:
			t.Errorf("unexpected record for %s", r.InputFile)
		}
	}
}

func TestScanIngestEmptyCorpora(t *testing.T) {
	inputDir := t.TempDir()
	archiveDir := t.TempDir()
	touch(t, filepath.Join(inputDir, "a.tif"))

	det := New(0.95, discardLogger())
	report, err := det.ScanIngest(inputDir, archiveDir)
	if err != nil {
		t.Fatalf("ScanIngest: %v", err)
	}
	if report.TotalInput != 1 || len(report.Records) != 0 {
		t.Fatalf("empty archive should yield no records: %+v", report)
	}
}

func TestHashForCachesUndecodable(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "not_an_image.jpg")
	touch(t, bogus)

	det := New(0.95, discardLogger())
	if h := det.HashFor(bogus); h != "" {
		t.Fatalf("undecodable file hashed to %q, want empty", h)
	}

	// Second lookup hits the cache.
	if _, ok := det.cache[bogus]; !ok {
		t.Fatalf("undecodable result not cached")
	}
	if h := det.HashFor(bogus); h != "" {
		t.Fatalf("cached undecodable hash = %q, want empty", h)
	}
}
