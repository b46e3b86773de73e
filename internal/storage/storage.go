package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for processed images and runs.
// It is the pipeline's persistence collaborator; schema is owned here.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS images (
            filename TEXT PRIMARY KEY,
            original_path TEXT,
            analysed_path TEXT,
            enhanced_path TEXT,
            width INTEGER,
            height INTEGER,
            file_size INTEGER,
            histogram_clip REAL,
            clahe_clip REAL,
            preset TEXT,
            face_detected BOOLEAN DEFAULT FALSE,
            quality_score REAL,
            processed_at TIMESTAMP,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS image_tags (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            filename TEXT NOT NULL,
            tag TEXT NOT NULL,
            source TEXT DEFAULT 'ai',
            confidence REAL,
            category TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            started_at TIMESTAMP,
            finished_at TIMESTAMP,
            processed INTEGER DEFAULT 0,
            errors INTEGER DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS idx_image_tags_filename ON image_tags(filename);`,
		`CREATE INDEX IF NOT EXISTS idx_images_processed_at ON images(processed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// ImageRecord captures a processed image row. Filename is the enhanced
// output's base name and is the natural key.
type ImageRecord struct {
	Filename      string
	OriginalPath  string
	AnalysedPath  string
	EnhancedPath  string
	Width         int
	Height        int
	FileSize      int64
	HistogramClip float64
	CLAHEClip     float64
	Preset        string
	FaceDetected  bool
	QualityScore  float64
	ProcessedAt   time.Time
}

// Tag is a single classification attached to an image.
type Tag struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
}

// UpsertImage inserts or replaces the record for rec.Filename.
func (s *Store) UpsertImage(rec ImageRecord) error {
	if rec.Filename == "" {
		return errors.New("image record requires a filename")
	}
	_, err := s.DB.Exec(`
        INSERT INTO images (
            filename, original_path, analysed_path, enhanced_path,
            width, height, file_size,
            histogram_clip, clahe_clip, preset, face_detected, quality_score,
            processed_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
        ON CONFLICT(filename) DO UPDATE SET
            original_path=excluded.original_path,
            analysed_path=excluded.analysed_path,
            enhanced_path=excluded.enhanced_path,
            width=excluded.width,
            height=excluded.height,
            file_size=excluded.file_size,
            histogram_clip=excluded.histogram_clip,
            clahe_clip=excluded.clahe_clip,
            preset=excluded.preset,
            face_detected=excluded.face_detected,
            quality_score=excluded.quality_score,
            processed_at=excluded.processed_at,
            updated_at=datetime('now')`,
		rec.Filename, rec.OriginalPath, rec.AnalysedPath, rec.EnhancedPath,
		rec.Width, rec.Height, rec.FileSize,
		rec.HistogramClip, rec.CLAHEClip, rec.Preset, rec.FaceDetected, rec.QualityScore,
		rec.ProcessedAt,
	)
	return err
}

// GetImage returns the stored record for filename, or sql.ErrNoRows.
func (s *Store) GetImage(filename string) (ImageRecord, error) {
	var rec ImageRecord
	var processedAt sql.NullTime
	err := s.DB.QueryRow(`
        SELECT filename, original_path, analysed_path, enhanced_path,
               width, height, file_size,
               histogram_clip, clahe_clip, preset, face_detected, quality_score,
               processed_at
        FROM images WHERE filename = ?`, filename).Scan(
		&rec.Filename, &rec.OriginalPath, &rec.AnalysedPath, &rec.EnhancedPath,
		&rec.Width, &rec.Height, &rec.FileSize,
		&rec.HistogramClip, &rec.CLAHEClip, &rec.Preset, &rec.FaceDetected, &rec.QualityScore,
		&processedAt,
	)
	if processedAt.Valid {
		rec.ProcessedAt = processedAt.Time
	}
	return rec, err
}

// DeleteImage removes the image row and its tags. Used when an enhanced
// output is deleted from the output directory.
func (s *Store) DeleteImage(filename string) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM image_tags WHERE filename = ?`, filename); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`DELETE FROM images WHERE filename = ?`, filename); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveTags stores AI tags for filename, skipping if tags from the same
// source already exist.
func (s *Store) SaveTags(filename, source string, tags []Tag) error {
	var existing int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM image_tags WHERE filename = ? AND source = ?`,
		filename, source).Scan(&existing)
	if err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	for _, t := range tags {
		if _, err := s.DB.Exec(`
            INSERT INTO image_tags (filename, tag, source, confidence, category)
            VALUES (?, ?, ?, ?, ?)`,
			filename, t.Label, source, t.Confidence, t.Category); err != nil {
			return err
		}
	}
	return nil
}

// TagsFor returns tags stored for filename.
func (s *Store) TagsFor(filename string) ([]Tag, error) {
	rows, err := s.DB.Query(`
        SELECT tag, confidence, category FROM image_tags WHERE filename = ? ORDER BY id`,
		filename)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []Tag
	for rows.Next() {
		var t Tag
		var conf sql.NullFloat64
		var cat sql.NullString
		if err := rows.Scan(&t.Label, &conf, &cat); err != nil {
			return nil, err
		}
		t.Confidence = conf.Float64
		t.Category = cat.String
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// RecordRunStart inserts a row for a new processing session.
func (s *Store) RecordRunStart(id string, startedAt time.Time) error {
	_, err := s.DB.Exec(`INSERT INTO runs (id, started_at) VALUES (?, ?)`, id, startedAt)
	return err
}

// RecordRunEnd finalizes a session row with counters.
func (s *Store) RecordRunEnd(id string, processed, errCount int) error {
	_, err := s.DB.Exec(`
        UPDATE runs SET finished_at = datetime('now'), processed = ?, errors = ? WHERE id = ?`,
		processed, errCount, id)
	return err
}
