package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"transcriber/models"
)

// DatabaseService mirrors job status into the controller's jobs table, using
// the same columns the webhook receiver writes.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

func (d *DatabaseService) Record(ctx context.Context, update models.StatusUpdate) error {
	query, args, err := buildStatusUpdate(update)
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", update.JobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update job %s: no such job", update.JobID)
	}
	return nil
}

func buildStatusUpdate(update models.StatusUpdate) (string, []any, error) {
	sets := []string{"status", "updated_at"}
	args := []any{string(update.Status), update.UpdatedAt.Unix()}

	switch update.Status {
	case models.StatusCompleted:
		sets = append(sets,
			"transcript_url", "audio_url", "srt_url", "txt_url",
			"video_title", "video_duration", "processing_time",
		)
		args = append(args,
			update.TranscriptURL, update.AudioURL, update.SRTURL, update.TXTURL,
			update.Video.Title, update.Video.Duration, update.ProcessingTime,
		)
	case models.StatusFailed:
		details, err := json.Marshal(update.ErrorDetails)
		if err != nil {
			return "", nil, fmt.Errorf("encode error details: %w", err)
		}
		sets = append(sets, "error_code", "error_message", "error_details")
		args = append(args, update.ErrorCode, update.ErrorMessage, string(details))
	}

	assignments := make([]string, len(sets))
	for i, col := range sets {
		assignments[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	args = append(args, update.JobID)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d", strings.Join(assignments, ", "), len(args))
	return query, args, nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}
