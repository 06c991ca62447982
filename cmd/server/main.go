package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/snap-classifier/internal/config"
	"github.com/Brownie44l1/snap-classifier/internal/handlers"
	"github.com/Brownie44l1/snap-classifier/internal/logger"
	"github.com/Brownie44l1/snap-classifier/internal/model"
	"github.com/Brownie44l1/snap-classifier/internal/model/dense"
	"github.com/Brownie44l1/snap-classifier/internal/model/onnx"
	"github.com/Brownie44l1/snap-classifier/internal/preprocess"
	"github.com/Brownie44l1/snap-classifier/internal/tensor"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// app is the composition root shared by every subcommand.
type app struct {
	cfg        *config.AppConfig
	logger     *zap.Logger
	manager    *model.Manager
	normalizer *preprocess.Normalizer
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	var backend model.Backend
	switch cfg.Model.Backend {
	case onnx.Format:
		backend = onnx.New(onnx.Options{
			SharedLibraryPath: cfg.Model.ONNX.SharedLibrary,
			IntraOpThreads:    cfg.Model.ONNX.IntraOpThreads,
		}, log.Named("onnx"))
	default:
		backend = dense.New(log.Named("dense"))
	}

	modelDir, err := filepath.Abs(cfg.Model.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model dir: %w", err)
	}

	mem := tensor.NewMemory(cfg.Memory.LimitBytes)
	manager := model.NewManager(model.Config{
		Backend:    backend,
		Assets:     os.DirFS(modelDir),
		Descriptor: cfg.Model.Descriptor,
		Memory:     mem,
		Logger:     log.Named("model"),
	})
	normalizer := preprocess.NewNormalizer(mem, preprocess.Options{
		MaxSourceSide: cfg.Preprocess.MaxSourceSide,
	}, log.Named("preprocess"))

	log.Info("loading model", zap.String("dir", modelDir), zap.String("backend", backend.Name()))
	return &app{cfg: cfg, logger: log, manager: manager, normalizer: normalizer}, nil
}

func (a *app) close() {
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("failed to release model", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func serve(cmd *cobra.Command, configPath string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	handler := handlers.NewHandler(a.manager, a.normalizer, a.logger.Named("http"), handlers.Options{
		PredictTimeout: a.cfg.Server.PredictTimeout,
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
	})

	// Requests are answered with 503 until the model is ready.
	go func() {
		if err := handler.Initialize(); err != nil {
			a.logger.Error("initialization failed; POST /initialize to retry", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", enableCORS(handler.Health))
	mux.HandleFunc("/initialize", enableCORS(handler.Retry))
	mux.HandleFunc("/predict", enableCORS(handler.Predict))
	mux.HandleFunc("/predict/image", enableCORS(handler.PredictFromImage))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			zap.Int("port", a.cfg.Server.Port),
			zap.Strings("endpoints", []string{
				"GET /health",
				"POST /initialize",
				"POST /predict",
				"POST /predict/image",
			}))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		a.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func classify(cmd *cobra.Command, configPath string, paths []string, sorted bool) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	mdl, err := a.manager.Initialize(nil)
	if err != nil {
		return err
	}
	normalizer := a.normalizer.WithImageSize(mdl.ImageSize())

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		x, err := normalizer.DecodeAndNormalizeBytes(data, "")
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		result, err := a.manager.Predict(mdl, x)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if sorted {
			result = result.Sorted()
		}

		fmt.Fprintln(cmd.OutOrStdout(), path)
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"LABEL", "CONFIDENCE"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		for _, p := range result {
			table.Append([]string{p.Label, p.Confidence})
		}
		table.Render()
	}
	return nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "snapclass",
		Short:         "Photo classifier server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (YAML)")

	var sorted bool
	classifyCmd := &cobra.Command{
		Use:   "classify IMAGE [IMAGE...]",
		Short: "Classify local JPEG files and print the confidence breakdown",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return classify(cmd, configPath, args, sorted)
		},
	}
	classifyCmd.Flags().BoolVar(&sorted, "sort", false, "order classes by confidence instead of model order")

	rootCmd.AddCommand(classifyCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
