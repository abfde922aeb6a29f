package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"transcriber/models"
)

// RedisStatusService writes the job's status hash so pollers can follow
// progress without waiting for the webhook.
type RedisStatusService struct {
	client *redis.Client
	prefix string
}

func NewRedisStatusService(client *redis.Client, prefix string) *RedisStatusService {
	return &RedisStatusService{client: client, prefix: prefix}
}

// StatusKey is the hash key for jobID.
func (r *RedisStatusService) StatusKey(jobID string) string {
	return fmt.Sprintf("%stranscription:status:%s", r.prefix, jobID)
}

func (r *RedisStatusService) Record(ctx context.Context, update models.StatusUpdate) error {
	if err := r.client.HSet(ctx, r.StatusKey(update.JobID), statusFields(update)).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (r *RedisStatusService) Close() error {
	return r.client.Close()
}

func statusFields(update models.StatusUpdate) map[string]any {
	fields := map[string]any{
		"status":     string(update.Status),
		"updated_at": update.UpdatedAt.Format(time.RFC3339),
	}
	switch update.Status {
	case models.StatusCompleted:
		fields["transcript_url"] = update.TranscriptURL
		fields["audio_url"] = update.AudioURL
		fields["srt_url"] = update.SRTURL
		fields["txt_url"] = update.TXTURL
		fields["video_title"] = update.Video.Title
		fields["video_duration"] = update.Video.Duration
		fields["processing_time"] = update.ProcessingTime
	case models.StatusFailed:
		fields["error_code"] = update.ErrorCode
		fields["error"] = update.ErrorMessage
		if len(update.ErrorDetails) > 0 {
			if details, err := json.Marshal(update.ErrorDetails); err == nil {
				fields["error_details"] = string(details)
			}
		}
	}
	return fields
}
