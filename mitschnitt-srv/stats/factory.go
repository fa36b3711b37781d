package stats

import (
	"fmt"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/config"
)

// RecorderFactory creates seen-request stores based on configuration.
type RecorderFactory struct{}

// NewRecorderFactory creates a new recorder factory.
func NewRecorderFactory() *RecorderFactory {
	return &RecorderFactory{}
}

// CreateRecorder creates a seen-request store for the given configuration.
func (f *RecorderFactory) CreateRecorder(cfg config.RecordingConfig) (Recorder, error) {
	switch cfg.Backend {
	case "", "dummy":
		return NewDummyRecorder(), nil
	case "sqlite":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "mitschnitt_seen.db"
		}
		rec, err := NewSQLiteRecorder(sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite recorder: %w", err)
		}
		return rec, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		rec, err := NewPostgresRecorder(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres recorder: %w", err)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unsupported recording backend: %s", cfg.Backend)
	}
}
