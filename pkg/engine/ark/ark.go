// Package ark implements the engine adapter for Doubao Seedance video
// generation on the Volcengine Ark platform.
//
// Ark exposes an async content-generation task API: create a task, poll it by
// ID, download the resulting video URL. The adapter owns one Ark client and
// one HTTP download session; neither is shared across adapter instances.
package ark

import (
	"context"
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

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
	"golang.org/x/time/rate"

	"github.com/ljc0311/clipforge/pkg/engine"
)

// Config configures the Ark adapter.
type Config struct {
	// APIKey is the Ark API key. Required.
	APIKey string

	// BaseURL overrides the Ark endpoint. Default is the cn-beijing endpoint.
	BaseURL string

	// Model is the Seedance model endpoint ID.
	Model string

	// SubmitRate is the maximum task creations per second. Zero disables
	// client-side throttling.
	SubmitRate float64

	// Resolution is the resolution hint appended to prompts ("480p",
	// "720p", "1080p"). Default "720p".
	Resolution string
}

// DefaultConfig returns the default Ark adapter configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://ark.cn-beijing.volces.com/api/v3",
		Model:      "doubao-seedance-1-0-pro-250528",
		Resolution: "720p",
	}
}

// Engine is the Ark adapter. Safe for concurrent use; Close tears down the
// download session, which the await loop observes through SessionAlive.
type Engine struct {
	desc    engine.Descriptor
	client  *arkruntime.Client
	httpc   *http.Client
	limiter *rate.Limiter
	model   string
	res     string
	closed  atomic.Bool
}

var (
	_ engine.Engine         = (*Engine)(nil)
	_ engine.SessionChecker = (*Engine)(nil)
)

// New creates an Ark adapter for the given descriptor.
func New(desc engine.Descriptor, cfg Config) (*Engine, error) {
	def := DefaultConfig()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ark: %w: API key not configured", engine.ErrAuth)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Resolution == "" {
		cfg.Resolution = def.Resolution
	}

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), 1)
	}

	client := arkruntime.NewClientWithApiKey(cfg.APIKey, arkruntime.WithBaseUrl(cfg.BaseURL))

	e := &Engine{
		desc:    desc,
		client:  client,
		httpc:   &http.Client{Timeout: 5 * time.Minute},
		limiter: limiter,
		model:   cfg.Model,
		res:     cfg.Resolution,
	}
	if e.desc.Name == "" {
		e.desc.Name = "Doubao Seedance (" + cfg.Model + ")"
	}
	return e, nil
}

// Describe returns the engine's capability record.
func (e *Engine) Describe() engine.Descriptor { return e.desc }

// SessionAlive reports whether the adapter's sessions are still usable.
func (e *Engine) SessionAlive() bool { return !e.closed.Load() }

// Submit creates an Ark content-generation task for the job.
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

	content := []*model.CreateContentGenerationContentItem{
		{
			Type: model.ContentGenerationContentItemTypeText,
			Text: volcengine.String(e.buildPrompt(job)),
		},
	}
	if job.ImageRef != "" {
		ref, err := engine.PrepareImageRef(job.ImageRef)
		if err != nil {
			return "", &engine.Error{Op: "Submit", Engine: e.desc.ID, JobID: job.ID, Err: err}
		}
		content = append(content, &model.CreateContentGenerationContentItem{
			Type:     model.ContentGenerationContentItemTypeImage,
			ImageURL: &model.ImageURL{URL: ref},
		})
	}

	resp, err := e.client.CreateContentGenerationTask(ctx, model.CreateContentGenerationTaskRequest{
		Model:   e.model,
		Content: content,
	})
	if err != nil {
		return "", &engine.Error{Op: "Submit", Engine: e.desc.ID, JobID: job.ID, Err: classify(err)}
	}
	if resp.ID == "" {
		return "", &engine.Error{Op: "Submit", Engine: e.desc.ID, JobID: job.ID,
			Err: fmt.Errorf("%w: task created without an ID", engine.ErrUnavailable)}
	}
	return engine.Handle(resp.ID), nil
}

// buildPrompt appends Seedance inline parameters. Seedance only honours a
// discrete duration grid, so the requested duration is snapped first; the
// composer reconciles the difference downstream.
func (e *Engine) buildPrompt(job engine.Job) string {
	dur := int(e.desc.SnapDuration(job.Duration))
	return fmt.Sprintf("%s --resolution %s --ratio adaptive --dur %d", job.Prompt, e.res, dur)
}

// Poll queries the Ark task status.
func (e *Engine) Poll(ctx context.Context, h engine.Handle) (engine.PollResult, error) {
	if e.closed.Load() {
		return engine.PollResult{}, &engine.Error{Op: "Poll", Engine: e.desc.ID, Err: engine.ErrCancelled}
	}

	req := model.GetContentGenerationTaskRequest{}
	req.ID = string(h)
	resp, err := e.client.GetContentGenerationTask(ctx, req)
	if err != nil {
		if isNotFound(err) {
			return engine.PollResult{Status: engine.StatusNotFound}, nil
		}
		return engine.PollResult{}, &engine.Error{Op: "Poll", Engine: e.desc.ID, Err: classify(err)}
	}

	switch strings.ToLower(string(resp.Status)) {
	case "succeeded":
		if resp.Content.VideoURL == "" {
			return engine.PollResult{Status: engine.StatusFailed, Reason: "task succeeded without a video URL"}, nil
		}
		return engine.PollResult{Status: engine.StatusSucceeded, AssetRef: resp.Content.VideoURL}, nil
	case "failed":
		return engine.PollResult{Status: engine.StatusFailed, Reason: "generation failed upstream"}, nil
	default:
		// queued / running
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
	resp, err := e.httpc.Do(req)
	if err != nil {
		return &engine.Error{Op: "Download", Engine: e.desc.ID, Err: classify(err)}
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

// Cancel is a no-op: Ark tasks cannot be cancelled remotely. The local poll
// loop stops on its own once the owning task cancels.
func (e *Engine) Cancel(ctx context.Context, h engine.Handle) error { return nil }

// Ping verifies connectivity and credentials by querying a task ID that
// cannot exist. A not-found answer proves the endpoint and key are good.
func (e *Engine) Ping(ctx context.Context) error {
	req := model.GetContentGenerationTaskRequest{}
	req.ID = "clipforge-ping-00000000"
	_, err := e.client.GetContentGenerationTask(ctx, req)
	if err == nil || isNotFound(err) {
		return nil
	}
	return &engine.Error{Op: "Ping", Engine: e.desc.ID, Err: classify(err)}
}

// Close releases the download session. Safe to call concurrently with an
// in-flight await loop; the loop observes closure via SessionAlive.
func (e *Engine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.httpc.CloseIdleConnections()
	}
	return nil
}

// classify maps Ark SDK and transport errors onto the engine sentinels.
// The SDK surfaces HTTP status in error text, so matching is lexical.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", engine.ErrUnavailable, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "AuthenticationError") ||
		strings.Contains(msg, "InvalidApiKey"):
		return fmt.Errorf("%w: %v", engine.ErrAuth, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "RateLimit") ||
		strings.Contains(msg, "TooManyRequests"):
		return fmt.Errorf("%w: %v", engine.ErrRateLimited, err)
	case strings.Contains(msg, "InvalidParameter") || strings.Contains(msg, "400"):
		return fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
	case strings.Contains(msg, "503") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host"):
		return fmt.Errorf("%w: %v", engine.ErrUnavailable, err)
	default:
		return err
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "NotFound")
}
