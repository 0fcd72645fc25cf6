// Package glm implements the engine adapter for CogVideoX on the Zhipu
// bigmodel open platform.
//
// The platform is plain HTTPS + JSON: POST /videos/generations creates an
// async task, GET /async-result/{id} polls it. CogVideoX-Flash is free of
// charge, which makes this adapter the usual first pick for free-first
// routing.
package glm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ljc0311/clipforge/pkg/engine"
)

// Config configures the GLM adapter.
type Config struct {
	// APIKey is the bigmodel API key. Required.
	APIKey string

	// BaseURL overrides the platform endpoint.
	BaseURL string

	// Model is the CogVideoX model name.
	Model string

	// SubmitRate is the maximum task creations per second. Zero disables
	// client-side throttling.
	SubmitRate float64

	// Quality selects "speed" or "quality" mode.
	Quality string

	// HTTPTimeout bounds each API round trip. Downloads use their own
	// longer timeout.
	HTTPTimeout time.Duration
}

// DefaultConfig returns the default GLM adapter configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://open.bigmodel.cn/api/paas/v4",
		Model:       "cogvideox-flash",
		Quality:     "speed",
		HTTPTimeout: 30 * time.Second,
	}
}

// Engine is the GLM adapter.
type Engine struct {
	desc    engine.Descriptor
	cfg     Config
	apic    *http.Client
	dlc     *http.Client
	limiter *rate.Limiter
	closed  atomic.Bool
}

var (
	_ engine.Engine         = (*Engine)(nil)
	_ engine.SessionChecker = (*Engine)(nil)
)

// New creates a GLM adapter for the given descriptor.
func New(desc engine.Descriptor, cfg Config) (*Engine, error) {
	def := DefaultConfig()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("glm: %w: API key not configured", engine.ErrAuth)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Quality == "" {
		cfg.Quality = def.Quality
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), 1)
	}

	e := &Engine{
		desc:    desc,
		cfg:     cfg,
		apic:    &http.Client{Timeout: cfg.HTTPTimeout},
		dlc:     &http.Client{Timeout: 5 * time.Minute},
		limiter: limiter,
	}
	if e.desc.Name == "" {
		e.desc.Name = "CogVideoX (" + cfg.Model + ")"
	}
	return e, nil
}

// Describe returns the engine's capability record.
func (e *Engine) Describe() engine.Descriptor { return e.desc }

// SessionAlive reports whether the adapter's sessions are still usable.
func (e *Engine) SessionAlive() bool { return !e.closed.Load() }

type generationRequest struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url,omitempty"`
	Quality  string `json:"quality,omitempty"`
	Size     string `json:"size,omitempty"`
	FPS      int    `json:"fps,omitempty"`
}

type generationResponse struct {
	ID         string `json:"id"`
	TaskStatus string `json:"task_status"`
}

type asyncResult struct {
	TaskStatus  string `json:"task_status"`
	VideoResult []struct {
		URL           string `json:"url"`
		CoverImageURL string `json:"cover_image_url"`
	} `json:"video_result"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit creates a generation task for the job.
func (e *Engine) Submit(ctx context.Context, job engine.Job) (engine.Handle, error) {
	if e.closed.Load() {
		return "", &engine.Error{Op: "Submit", Engine: e.desc.ID, JobID: job.ID, Err: engine.ErrCancelled}
	}
	if job.Prompt == "" {
		return "", &engine.Error{Op: "Submit", Engine: e.desc.ID, JobID: job.ID,
			Err: fmt.Errorf("%w: prompt is required", engine.ErrInvalidInput)}
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", &engine.Error{Op: "Submit", Engine: e.desc.ID, JobID: job.ID, Err: engine.ErrCancelled}
		}
	}

	body := generationRequest{
		Model:   e.cfg.Model,
		Prompt:  job.Prompt,
		Quality: e.cfg.Quality,
		FPS:     job.FPS,
	}
	if job.Width > 0 && job.Height > 0 {
		body.Size = fmt.Sprintf("%dx%d", job.Width, job.Height)
	}
	if job.ImageRef != "" {
		ref, err := engine.PrepareImageRef(job.ImageRef)
		if err != nil {
			return "", &engine.Error{Op: "Submit", Engine: e.desc.ID, JobID: job.ID, Err: err}
		}
		body.ImageURL = ref
	}

	var resp generationResponse
	if err := e.call(ctx, http.MethodPost, "/videos/generations", body, &resp); err != nil {
		return "", &engine.Error{Op: "Submit", Engine: e.desc.ID, JobID: job.ID, Err: err}
	}
	if resp.ID == "" {
		return "", &engine.Error{Op: "Submit", Engine: e.desc.ID, JobID: job.ID,
			Err: fmt.Errorf("%w: task created without an ID", engine.ErrUnavailable)}
	}
	return engine.Handle(resp.ID), nil
}

// Poll queries the task status.
func (e *Engine) Poll(ctx context.Context, h engine.Handle) (engine.PollResult, error) {
	if e.closed.Load() {
		return engine.PollResult{}, &engine.Error{Op: "Poll", Engine: e.desc.ID, Err: engine.ErrCancelled}
	}

	var res asyncResult
	err := e.call(ctx, http.MethodGet, "/async-result/"+string(h), nil, &res)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return engine.PollResult{Status: engine.StatusNotFound}, nil
		}
		return engine.PollResult{}, &engine.Error{Op: "Poll", Engine: e.desc.ID, Err: err}
	}

	switch strings.ToUpper(res.TaskStatus) {
	case "SUCCESS":
		if len(res.VideoResult) == 0 || res.VideoResult[0].URL == "" {
			return engine.PollResult{Status: engine.StatusFailed, Reason: "task succeeded without a video URL"}, nil
		}
		return engine.PollResult{Status: engine.StatusSucceeded, AssetRef: res.VideoResult[0].URL}, nil
	case "FAIL":
		return engine.PollResult{Status: engine.StatusFailed, Reason: "generation failed upstream"}, nil
	default:
		// SUBMITTED / PROCESSING
		return engine.PollResult{Status: engine.StatusProcessing}, nil
	}
}

// Download streams the finished asset to destPath.
func (e *Engine) Download(ctx context.Context, assetRef, destPath string) error {
	if e.closed.Load() {
		return &engine.Error{Op: "Download", Engine: e.desc.ID, Err: engine.ErrCancelled}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetRef, nil)
	if err != nil {
		return &engine.Error{Op: "Download", Engine: e.desc.ID, Err: err}
	}
	resp, err := e.dlc.Do(req)
	if err != nil {
		return &engine.Error{Op: "Download", Engine: e.desc.ID, Err: classifyTransport(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &engine.Error{Op: "Download", Engine: e.desc.ID,
			Err: fmt.Errorf("%w: asset fetch returned %d", engine.ErrUnavailable, resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return &engine.Error{Op: "Download", Engine: e.desc.ID, Err: err}
	}
	out, err := os.Create(destPath)
	if err != nil {
		return &engine.Error{Op: "Download", Engine: e.desc.ID, Err: err}
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = os.Remove(destPath)
		return &engine.Error{Op: "Download", Engine: e.desc.ID, Err: err}
	}
	return nil
}

// Cancel is a no-op: the platform offers no task cancellation.
func (e *Engine) Cancel(ctx context.Context, h engine.Handle) error { return nil }

// Ping verifies connectivity and credentials by querying a result ID that
// cannot exist.
func (e *Engine) Ping(ctx context.Context) error {
	var res asyncResult
	err := e.call(ctx, http.MethodGet, "/async-result/clipforge-ping-00000000", nil, &res)
	if err == nil || errors.Is(err, engine.ErrNotFound) {
		return nil
	}
	return &engine.Error{Op: "Ping", Engine: e.desc.ID, Err: err}
}

// Close releases both HTTP sessions.
func (e *Engine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.apic.CloseIdleConnections()
		e.dlc.CloseIdleConnections()
	}
	return nil
}

// call performs one authenticated API round trip and maps failures onto the
// engine sentinels.
func (e *Engine) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.apic.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func classifyStatus(code int, raw []byte) error {
	msg := fmt.Sprintf("api returned %d", code)
	var ae apiError
	if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
		msg = fmt.Sprintf("api returned %d: %s", code, ae.Error.Message)
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", engine.ErrAuth, msg)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", engine.ErrRateLimited, msg)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", engine.ErrNotFound, msg)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %s", engine.ErrInvalidInput, msg)
	case code >= 500:
		return fmt.Errorf("%w: %s", engine.ErrUnavailable, msg)
	default:
		return errors.New(msg)
	}
}

func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", engine.ErrUnavailable, err)
	}
	return err
}
