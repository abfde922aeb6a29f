package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"transcriber/config"
	"transcriber/services"
	"transcriber/worker"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "transcribe-job",
		Short:         "Download, transcribe and publish one video",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), cmd.OutOrStdout(), configFlag)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "TOML configuration file; environment variables take precedence")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the job described by the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), cmd.OutOrStdout(), configFlag)
		},
	})
	rootCmd.AddCommand(newSignCommand(&configFlag))
	rootCmd.AddCommand(newVerifyCommand(&configFlag))
	rootCmd.AddCommand(newConfigCommand(&configFlag))

	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	var file *config.File
	if path != "" {
		f, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		file = f
	}
	return config.Load(file), nil
}

func runJob(ctx context.Context, out io.Writer, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, os.Stderr)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("configuration loaded",
		"job_id", cfg.JobID,
		"model", cfg.ModelSize,
		"language", cfg.Language,
		"video_url", truncate(cfg.VideoURL, 50),
	)

	recorders, closeRecorders := statusRecorders(ctx, cfg, logger)
	defer closeRecorders()

	s3Svc, err := services.NewS3Service(cfg, logger)
	if err != nil {
		return err
	}

	pipeline := worker.NewPipeline(
		cfg,
		services.NewYtDlpService(cfg.YtDlpPath, cfg.WorkDir, logger),
		services.NewWhisperService(services.WhisperConfig{
			Binary:      cfg.WhisperPath,
			FFprobe:     cfg.FFprobePath,
			Device:      cfg.WhisperDevice,
			ComputeType: cfg.WhisperComputeType,
			WorkDir:     cfg.WorkDir,
		}, logger),
		s3Svc,
		services.NewWebhookService(cfg.WebhookURL, cfg.WebhookSecret, cfg.JobID, logger),
		logger,
		recorders...,
	)

	result, err := pipeline.Run(ctx)
	if err != nil {
		var serr *worker.StageError
		if errors.As(err, &serr) {
			return fmt.Errorf("job %s failed with %s: %s", cfg.JobID, serr.Code, serr.Message)
		}
		return err
	}

	rows := make([][]string, 0, len(result.Artifacts))
	for _, a := range result.Artifacts {
		rows = append(rows, []string{a.Key, a.ContentType, result.URLs[a.Key]})
	}
	fmt.Fprintln(out, renderTable([]string{"Key", "Type", "URL"}, rows))
	fmt.Fprintf(out, "Processing time: %ds\n", result.ProcessingTime)
	return nil
}

// statusRecorders connects the optional status mirrors. A mirror that cannot
// be reached is skipped with a warning.
func statusRecorders(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]worker.StatusRecorder, func()) {
	var recorders []worker.StatusRecorder
	var closers []func() error

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis status mirror disabled", "addr", cfg.RedisAddr, "error", err)
			_ = client.Close()
		} else {
			svc := services.NewRedisStatusService(client, cfg.RedisPrefix)
			recorders = append(recorders, svc)
			closers = append(closers, svc.Close)
			logger.Info("redis status mirror enabled", "key", svc.StatusKey(cfg.JobID))
		}
	}

	if cfg.DatabaseURL != "" {
		db, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("database status mirror disabled", "error", err)
		} else {
			recorders = append(recorders, db)
			closers = append(closers, db.Close)
			logger.Info("database status mirror enabled")
		}
	}

	return recorders, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func newSignCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sign <payload-file>",
		Short: "Print the webhook signature of a payload file (\"-\" reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFlag)
			if err != nil {
				return err
			}
			body, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), services.Sign(cfg.WebhookSecret, body))
			return nil
		},
	}
}

func newVerifyCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <payload-file> <signature>",
		Short: "Check a webhook signature against a payload file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFlag)
			if err != nil {
				return err
			}
			body, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if !services.Verify(cfg.WebhookSecret, body, args[1]) {
				return errors.New("signature mismatch")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signature ok")
			return nil
		},
	}
}

func newConfigCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFlag)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, configRows(cfg)))
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Invalid: %v\n", err)
			}
			return nil
		},
	}
}

func configRows(cfg *config.Config) [][]string {
	return [][]string{
		{"JOB_ID", cfg.JobID},
		{"VIDEO_URL", cfg.VideoURL},
		{"MODEL_SIZE", cfg.ModelSize},
		{"LANGUAGE", cfg.Language},
		{"WEBHOOK_URL", cfg.WebhookURL},
		{"WEBHOOK_SECRET", mask(cfg.WebhookSecret)},
		{"R2_ENDPOINT", cfg.R2Endpoint},
		{"R2_ACCESS_KEY", mask(cfg.R2AccessKey)},
		{"R2_SECRET_KEY", mask(cfg.R2SecretKey)},
		{"R2_BUCKET", cfg.R2Bucket},
		{"R2_PUBLIC_URL", cfg.R2PublicURL},
		{"R2_REGION", cfg.R2Region},
		{"R2_USE_PATH_STYLE", strconv.FormatBool(cfg.R2UsePathStyle)},
		{"WORK_DIR", cfg.WorkDir},
		{"WHISPER_DEVICE", cfg.WhisperDevice},
		{"WHISPER_COMPUTE_TYPE", cfg.WhisperComputeType},
		{"REDIS_ADDR", cfg.RedisAddr},
		{"DATABASE_URL", mask(cfg.DatabaseURL)},
	}
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + "****" + secret[len(secret)-2:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
