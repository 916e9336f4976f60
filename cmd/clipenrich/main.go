package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"clipenrich/internal/analysis"
	"clipenrich/internal/config"
	"clipenrich/internal/embedding"
	"clipenrich/internal/frame"
	"clipenrich/internal/gate"
	"clipenrich/internal/models"
	"clipenrich/internal/motion"
	"clipenrich/internal/pipeline"
	"clipenrich/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: "15:04:05",
		}),
	)

	configPath := ""
	keywords := ""
	var videos []string

	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--config":
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				i++
			}
		case "--keywords":
			if i+1 < len(os.Args) {
				keywords = os.Args[i+1]
				i++
			}
		default:
			videos = append(videos, os.Args[i])
		}
	}

	if len(videos) == 0 {
		fmt.Println("Usage: clipenrich [--config clipenrich.yaml] [--keywords \"a, b\"] clip1.mp4 [clip2.mp4 ...]")
		os.Exit(1)
	}

	settings, err := config.Load(configPath)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}

	store, err := openStore(ctx, settings)
	if err != nil {
		logger.Error("opening storage failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	g := gate.New(settings.Gate.Capacity, logger)

	analyzer, err := buildAnalyzer(ctx, settings, g, logger)
	if err != nil {
		logger.Error("building analysis client failed", "error", err)
		os.Exit(1)
	}

	embedder := embedding.NewOrchestrator(
		embedding.NewHTTPClient(settings.Embedding), g, settings.Embedding, logger)

	scorer, err := motion.NewScorer(settings.Motion)
	if err != nil {
		logger.Error("building motion scorer failed", "error", err)
		os.Exit(1)
	}

	ffmpeg := &frame.FFmpeg{}
	enricher := pipeline.NewEnricher(ffmpeg, scorer, analyzer, embedder, store, *settings, logger)

	clips, err := buildClips(ctx, ffmpeg, videos, keywords)
	if err != nil {
		logger.Error("reading clips failed", "error", err)
		os.Exit(1)
	}

	logger.Info("starting enrichment",
		"clips", len(clips),
		"workers", settings.Pipeline.Workers,
		"gate_capacity", settings.Gate.Capacity)

	if err := enricher.Run(ctx, clips); err != nil {
		logger.Error("enrichment finished with failures", "error", err)
		os.Exit(1)
	}
	logger.Info("enrichment complete", "clips", len(clips))
}

func openStore(ctx context.Context, settings *config.Settings) (storage.Store, error) {
	switch settings.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		cfg := storage.PostgresConfig{
			Host:      settings.Storage.Host,
			Port:      settings.Storage.Port,
			User:      settings.Storage.User,
			Password:  settings.Storage.Password,
			DBName:    settings.Storage.DBName,
			Dimension: settings.Embedding.Dimension,
		}
		if err := storage.InitSchema(ctx, cfg); err != nil {
			return nil, err
		}
		return storage.NewPostgresStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", settings.Storage.Driver)
	}
}

func buildAnalyzer(ctx context.Context, settings *config.Settings, g *gate.Gate, logger *slog.Logger) (analysis.Client, error) {
	if settings.Analysis.Local {
		return analysis.NewLocalClient(ctx, settings.Analysis, g, logger)
	}
	return analysis.NewRemoteClient(settings.Analysis, g, logger), nil
}

// buildClips turns video paths into clip records, probing each file's
// duration up front so candidate selection has a real clip length.
func buildClips(ctx context.Context, ffmpeg *frame.FFmpeg, videos []string, keywords string) ([]models.Clip, error) {
	clips := make([]models.Clip, 0, len(videos))
	for _, path := range videos {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", path, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("clip %s: %w", path, err)
		}
		seconds, err := ffmpeg.ProbeDuration(ctx, abs)
		if err != nil {
			return nil, fmt.Errorf("probing %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
		clips = append(clips, models.Clip{
			ID:        uuid.NewString(),
			Name:      name,
			FilePath:  abs,
			Duration:  time.Duration(seconds * float64(time.Second)),
			Keywords:  keywords,
			CreatedAt: time.Now(),
		})
	}
	return clips, nil
}
