package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"transcriber/config"
	"transcriber/models"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Artifacts are immutable once written, so clients may cache them for a year.
const cacheControl = "public, max-age=31536000"

type S3Service struct {
	session   *session.Session
	bucket    string
	endpoint  string
	publicURL string
	uploader  *s3manager.Uploader
	logger    *slog.Logger
}

func NewS3Service(cfg *config.Config, logger *slog.Logger) (*S3Service, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.R2Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.R2AccessKey,
			cfg.R2SecretKey,
			"",
		),
	}

	if cfg.R2Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.R2Endpoint)
	}

	if cfg.R2UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}

	return &S3Service{
		session:   sess,
		bucket:    cfg.R2Bucket,
		endpoint:  cfg.R2Endpoint,
		publicURL: cfg.R2PublicURL,
		uploader:  s3manager.NewUploader(sess),
		logger:    logger,
	}, nil
}

func (s *S3Service) Upload(ctx context.Context, localPath, key, contentType string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         file,
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(cacheControl),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// UploadAll uploads artifacts in order and returns their public URLs keyed by
// object key. It stops at the first failure; earlier uploads are left in place.
func (s *S3Service) UploadAll(ctx context.Context, artifacts []models.Artifact) (map[string]string, error) {
	urls := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		s.logger.Info("uploading artifact", "file", a.LocalPath, "key", a.Key)
		if err := s.Upload(ctx, a.LocalPath, a.Key, a.ContentType); err != nil {
			return nil, err
		}
		urls[a.Key] = s.PublicURL(a.Key)
		s.logger.Info("uploaded artifact", "key", a.Key, "url", urls[a.Key])
	}
	return urls, nil
}

// PublicURL maps key onto the configured public domain. Without one it falls
// back to the endpoint URL, which is usually not publicly readable.
func (s *S3Service) PublicURL(key string) string {
	if prefix := strings.TrimRight(s.publicURL, "/"); prefix != "" {
		return prefix + "/" + key
	}
	s.logger.Warn("R2_PUBLIC_URL not set, falling back to endpoint url", "key", key)
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.endpoint, "/"), s.bucket, key)
}
