package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/snap-classifier/internal/model"
	"github.com/Brownie44l1/snap-classifier/internal/preprocess"
	"github.com/Brownie44l1/snap-classifier/internal/tensor"
)

// PredictionRequest carries a base64 photo as produced by a camera or picker.
type PredictionRequest struct {
	Image    string `json:"image"`
	MIMEType string `json:"mime_type,omitempty"`
}

// PredictionResponse is the full confidence breakdown plus the top class.
type PredictionResponse struct {
	Class       string                 `json:"class"`
	Confidence  string                 `json:"confidence"`
	Predictions model.PredictionResult `json:"predictions"`
}

// HealthResponse reports where the model lifecycle stands.
type HealthResponse struct {
	Status   string   `json:"status"`
	Progress int      `json:"progress"`
	Classes  []string `json:"classes,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Options bounds request handling.
type Options struct {
	PredictTimeout time.Duration
	MaxUploadBytes int64
}

type Handler struct {
	manager    *model.Manager
	normalizer *preprocess.Normalizer
	logger     *zap.Logger
	opts       Options

	// analyzing admits one capture at a time.
	analyzing atomic.Bool
}

func NewHandler(manager *model.Manager, normalizer *preprocess.Normalizer, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PredictTimeout <= 0 {
		opts.PredictTimeout = 30 * time.Second
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		manager:    manager,
		normalizer: normalizer,
		logger:     logger,
		opts:       opts,
	}
}

// Initialize runs platform setup and model loading, logging progress.
func (h *Handler) Initialize() error {
	_, err := h.manager.Initialize(func(p int) {
		h.logger.Info("loading model", zap.Int("progress", p))
	})
	return err
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   h.manager.State().String(),
		Progress: h.manager.Progress(),
	}
	if mdl := h.manager.Model(); mdl != nil {
		resp.Classes = mdl.Labels()
	}
	if err := h.manager.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Retry re-runs initialization in the background after a failure.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.manager.State() == model.Ready {
		writeJSON(w, http.StatusOK, HealthResponse{Status: model.Ready.String(), Progress: 100})
		return
	}
	go func() {
		if err := h.Initialize(); err != nil {
			h.logger.Error("initialization retry failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, HealthResponse{
		Status:   h.manager.State().String(),
		Progress: h.manager.Progress(),
	})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusRequestEntityTooLarge)
		return
	}

	var req PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	h.classify(w, r, func(n *preprocess.Normalizer) (*tensor.Tensor, error) {
		data, mimeType, err := preprocess.DecodeBase64(req.Image)
		if err != nil {
			return nil, err
		}
		if req.MIMEType != "" {
			mimeType = req.MIMEType
		}
		return n.DecodeAndNormalizeBytes(data, mimeType)
	})
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read image", http.StatusBadRequest)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "application/octet-stream" {
		mimeType = ""
	}
	h.logger.Debug("received file",
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size),
		zap.String("content_type", mimeType))

	h.classify(w, r, func(n *preprocess.Normalizer) (*tensor.Tensor, error) {
		return n.DecodeAndNormalizeBytes(data, mimeType)
	})
}

type outcome struct {
	result model.PredictionResult
	err    error
}

// classify runs decode and predict for one capture. A second capture
// arriving while one is analyzed is rejected rather than queued.
func (h *Handler) classify(w http.ResponseWriter, r *http.Request, decode func(*preprocess.Normalizer) (*tensor.Tensor, error)) {
	logger := h.logger.With(zap.String("request_id", requestID(w, r)))

	mdl := h.manager.Model()
	if mdl == nil {
		writeError(w, logger, fmt.Errorf("model is %s", h.manager.State()), http.StatusServiceUnavailable)
		return
	}
	if !h.analyzing.CompareAndSwap(false, true) {
		writeError(w, logger, errors.New("analysis already in progress"), http.StatusTooManyRequests)
		return
	}

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer h.analyzing.Store(false)
		x, err := decode(h.normalizer.WithImageSize(mdl.ImageSize()))
		if err != nil {
			done <- outcome{err: err}
			return
		}
		result, err := h.manager.Predict(mdl, x)
		done <- outcome{result: result, err: err}
	}()

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.PredictTimeout)
	defer cancel()

	select {
	case o := <-done:
		if o.err != nil {
			writeError(w, logger, o.err, statusFor(o.err))
			return
		}
		top := o.result.Top()
		logger.Info("prediction",
			zap.String("class", top.Label),
			zap.String("confidence", top.Confidence),
			zap.Duration("elapsed", time.Since(start)))
		writeJSON(w, http.StatusOK, PredictionResponse{
			Class:       top.Label,
			Confidence:  top.Confidence,
			Predictions: o.result,
		})
	case <-ctx.Done():
		err := fmt.Errorf("%w: %w", model.ErrInference, ctx.Err())
		writeError(w, logger, err, http.StatusGatewayTimeout)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, preprocess.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, tensor.ErrAllocation):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrModelLoad), errors.Is(err, model.ErrPlatformInit):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func requestID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)
	return id
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error, status int) {
	if status >= http.StatusInternalServerError {
		logger.Error("prediction failed", zap.Error(err))
	} else {
		logger.Warn("prediction rejected", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
