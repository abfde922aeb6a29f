package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"transcriber/models"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	DeliveryHeader  = "X-Webhook-Delivery"
	webhookTimeout  = 30 * time.Second
	userAgent       = "transcribe-job/1.0"
)

// WebhookService posts signed job reports to the controller's callback URL.
type WebhookService struct {
	url    string
	secret string
	jobID  string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookService(url, secret, jobID string, logger *slog.Logger) *WebhookService {
	return &WebhookService{
		url:    url,
		secret: secret,
		jobID:  jobID,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Deliver serializes payload once, signs exactly those bytes, and posts them.
// A non-2xx response is an error.
func (w *WebhookService) Deliver(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(SignatureHeader, Sign(w.secret, body))
	req.Header.Set(DeliveryHeader, uuid.NewString())

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Send delivers payload and logs the outcome. Delivery failures never
// propagate to the caller.
func (w *WebhookService) Send(ctx context.Context, payload any) {
	if strings.TrimSpace(w.url) == "" {
		w.logger.Warn("webhook url not configured, skipping delivery")
		return
	}
	if err := w.Deliver(ctx, payload); err != nil {
		w.logger.Error("webhook delivery failed", "error", err)
		return
	}
	w.logger.Info("webhook sent")
}

// SendFailure reports a failed job. A nil details map is sent as {}.
func (w *WebhookService) SendFailure(ctx context.Context, code, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	w.Send(ctx, models.FailurePayload{
		JobID:          w.jobID,
		Status:         models.StatusFailed,
		ErrorCode:      code,
		ErrorMessage:   message,
		ErrorDetails:   details,
		ProcessingTime: 0,
	})
}

// SendCompletion reports a completed job.
func (w *WebhookService) SendCompletion(ctx context.Context, payload models.CompletionPayload) {
	payload.JobID = w.jobID
	payload.Status = models.StatusCompleted
	w.Send(ctx, payload)
}
