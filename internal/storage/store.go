package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/raine/receipt-vision/internal/receipt"
)

// CachedRecognition is a persisted recognition result keyed by image hash.
type CachedRecognition struct {
	ImageHash string
	Result    receipt.Result
	Model     string
	CreatedAt time.Time
}

// AlertRecord is one operational alert kept for later inspection.
type AlertRecord struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store defines the interface for recognition cache and alert persistence.
type Store interface {
	// Recognition cache methods
	GetRecognitionCache(imageHash string) (*CachedRecognition, error)
	SetRecognitionCache(entry *CachedRecognition) error
	PruneRecognitionCache(olderThan time.Duration) (int64, error)

	// Alert history methods
	AppendAlert(record *AlertRecord) error
	RecentAlerts(limit int) ([]AlertRecord, error)

	Ping() error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens or creates the SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite with WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set file permissions (only works on creation)
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		// Ignore error if file doesn't exist yet
	}

	store := &SQLiteStore{db: db}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	cacheQuery := `
	CREATE TABLE IF NOT EXISTS recognition_cache (
		image_hash TEXT PRIMARY KEY,
		result_json TEXT NOT NULL,
		model TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(cacheQuery)
	if err != nil {
		return fmt.Errorf("failed to create recognition_cache table: %w", err)
	}

	alertsQuery := `
	CREATE TABLE IF NOT EXISTS alert_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		operation TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err = s.db.Exec(alertsQuery)
	if err != nil {
		return fmt.Errorf("failed to create alert_history table: %w", err)
	}

	return nil
}

// GetRecognitionCache retrieves a cached recognition result by image hash.
// Returns nil, nil if no cache entry exists.
func (s *SQLiteStore) GetRecognitionCache(imageHash string) (*CachedRecognition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var resultJSON, model string
	var createdAt time.Time
	err := s.db.QueryRow(
		"SELECT result_json, model, created_at FROM recognition_cache WHERE image_hash = ?",
		imageHash,
	).Scan(&resultJSON, &model, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recognition cache: %w", err)
	}

	var result receipt.Result
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}

	return &CachedRecognition{
		ImageHash: imageHash,
		Result:    result,
		Model:     model,
		CreatedAt: createdAt,
	}, nil
}

// SetRecognitionCache stores a recognition result in the cache.
func (s *SQLiteStore) SetRecognitionCache(entry *CachedRecognition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO recognition_cache (image_hash, result_json, model, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(image_hash) DO UPDATE SET
			result_json = excluded.result_json,
			model = excluded.model,
			created_at = excluded.created_at
	`, entry.ImageHash, string(resultJSON), entry.Model, entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to cache recognition result: %w", err)
	}
	return nil
}

// PruneRecognitionCache removes cache entries older than the given age and
// returns the number of entries removed.
func (s *SQLiteStore) PruneRecognitionCache(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.Exec("DELETE FROM recognition_cache WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune recognition cache: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get pruned row count: %w", err)
	}

	if pruned > 0 {
		log.Info().Int64("count", pruned).Msg("pruned old recognition cache entries")
	}

	return pruned, nil
}

// AppendAlert persists one alert to the history table.
func (s *SQLiteStore) AppendAlert(record *AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO alert_history (type, severity, operation, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, record.Type, record.Severity, record.Operation, record.Message, record.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *SQLiteStore) RecentAlerts(limit int) ([]AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, type, severity, operation, message, created_at FROM alert_history ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var records []AlertRecord
	for rows.Next() {
		var r AlertRecord
		if err := rows.Scan(&r.ID, &r.Type, &r.Severity, &r.Operation, &r.Message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// Ping verifies the database connection is usable.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
