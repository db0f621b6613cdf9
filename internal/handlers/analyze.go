package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vizcache-gateway/internal/cache"
	"vizcache-gateway/internal/vision"
	"vizcache-gateway/pkg/logging"
)

// Resolver is the cache surface the handler needs.
type Resolver interface {
	Resolve(ctx context.Context, prompt string, image []byte, compute func(ctx context.Context) (string, error)) (cache.Result, error)
	Ping(ctx context.Context) error
}

// AnalyzeHandler holds dependencies for the /analyze/ endpoint.
type AnalyzeHandler struct {
	Cache          Resolver
	Vision         vision.Client
	Prompt         string
	MaxUploadBytes int64
}

func NewAnalyzeHandler(c Resolver, v vision.Client, prompt string, maxUploadBytes int64) *AnalyzeHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &AnalyzeHandler{
		Cache:          c,
		Vision:         v,
		Prompt:         prompt,
		MaxUploadBytes: maxUploadBytes,
	}
}

// AnalyzeResponse is the JSON body returned to clients.
type AnalyzeResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Cache  string `json:"cache"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Analyze handles POST /analyze/ with a multipart "file" field.
func (h *AnalyzeHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	image, mediaType, err := h.readUpload(r)
	if err != nil {
		logging.L(r.Context()).Warn("invalid upload", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "a non-empty image file is required in field 'file'"})
		return
	}

	// Cache store logs below pick these up from the context.
	ctx := logging.WithFields(r.Context(),
		zap.Int("image_bytes", len(image)),
		zap.String("media_type", mediaType),
	)
	logger := logging.L(ctx)

	var upstreamLatency time.Duration
	res, err := h.Cache.Resolve(ctx, h.Prompt, image, func(ctx context.Context) (string, error) {
		upstreamStart := time.Now()
		defer func() { upstreamLatency = time.Since(upstreamStart) }()

		resp, err := h.Vision.Analyze(ctx, &vision.AnalyzeRequest{
			Prompt:    h.Prompt,
			Image:     image,
			MediaType: mediaType,
		})
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	})

	var decodeErr *cache.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		logger.Warn("undecodable image", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "uploaded file is not a supported image"})
		return
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("vision request timed out", zap.Error(err))
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Detail: "vision api timeout"})
		return
	case err != nil:
		logger.Error("vision request failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Detail: "vision api error: " + err.Error()})
		return
	}

	logger.Info("cache_decision",
		zap.String("cache_source", string(res.Source)),
		zap.String("hash_key", res.ExactKey),
		zap.String("fingerprint", res.Fingerprint),
		zap.String("matched_fingerprint", res.MatchedFingerprint),
		zap.Int("distance", res.Distance),
		zap.Bool("shared_inflight", res.Shared),
		zap.Duration("upstream_latency", upstreamLatency),
		zap.Duration("total_latency", time.Since(start)),
	)

	writeJSON(w, http.StatusOK, AnalyzeResponse{
		ID:     uuid.NewString(),
		Result: res.Value,
		Cache:  string(res.Source),
	})
}

// Healthz reports 503 when the cache backend is unreachable.
func (h *AnalyzeHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Cache.Ping(r.Context()); err != nil {
		logging.L(r.Context()).Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "cache backend unavailable"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *AnalyzeHandler) readUpload(r *http.Request) ([]byte, string, error) {
	if err := r.ParseMultipartForm(h.MaxUploadBytes); err != nil {
		return nil, "", err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.MaxUploadBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty file")
	}
	if int64(len(data)) > h.MaxUploadBytes {
		return nil, "", errors.New("file too large")
	}
	return data, header.Header.Get("Content-Type"), nil
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
