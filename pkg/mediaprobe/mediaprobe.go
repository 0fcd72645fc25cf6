// Package mediaprobe measures the play duration of media files.
//
// Any single probing strategy can fail on malformed or partially written
// files, so a Prober runs several in order: an ffprobe invocation, a native
// MP4 container parse, and finally a crude file-size estimate. The first
// strategy that yields a plausible duration wins. Probing is read-only and
// every attempt runs under a hard timeout.
package mediaprobe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound means the file does not exist.
	ErrNotFound = errors.New("media file not found")

	// ErrUnreadable means the file exists but could not be read.
	ErrUnreadable = errors.New("media file unreadable")

	// ErrUnsupported means no strategy could extract a duration.
	ErrUnsupported = errors.New("media duration unsupported")
)

// Config configures a Prober.
type Config struct {
	// FFprobePath is the ffprobe binary. Default "ffprobe" from PATH.
	FFprobePath string

	// AttemptTimeout bounds each individual strategy attempt. Default 10s.
	AttemptTimeout time.Duration

	// EstimateBytesPerSecond feeds the last-resort size estimate. The
	// default assumes 128 kbit/s, which suits narration audio; video
	// estimates from size are rough no matter the constant.
	EstimateBytesPerSecond float64

	// Logger receives per-strategy failures. Default no-op.
	Logger *zap.Logger
}

// DefaultConfig returns the default Prober configuration.
func DefaultConfig() Config {
	return Config{
		FFprobePath:            "ffprobe",
		AttemptTimeout:         10 * time.Second,
		EstimateBytesPerSecond: 16000,
	}
}

// Prober measures media durations. Safe for concurrent use.
type Prober struct {
	cfg Config
	log *zap.Logger
}

// New creates a Prober.
func New(cfg Config) *Prober {
	def := DefaultConfig()
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = def.FFprobePath
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.EstimateBytesPerSecond <= 0 {
		cfg.EstimateBytesPerSecond = def.EstimateBytesPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Prober{cfg: cfg, log: cfg.Logger}
}

// Duration returns the file's play duration in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrUnreadable, path)
	}

	strategies := []struct {
		name string
		fn   func(ctx context.Context, path string) (float64, error)
	}{
		{"ffprobe", p.ffprobe},
		{"mp4_container", p.mp4Container},
	}
	for _, s := range strategies {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		d, err := s.fn(attemptCtx, path)
		cancel()
		if err == nil && d > 0 {
			return d, nil
		}
		p.log.Debug("probe strategy failed",
			zap.String("strategy", s.name), zap.String("path", path), zap.Error(err))
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}

	// Last resort: size estimate. Never precise, but better than nothing
	// for a sanity-check consumer.
	d := float64(info.Size()) / p.cfg.EstimateBytesPerSecond
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	p.log.Debug("falling back to size estimate",
		zap.String("path", path), zap.Float64("estimated_seconds", d))
	return d, nil
}

// ffprobe shells out for the container-reported format duration.
func (p *Prober) ffprobe(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: parse %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d, nil
}

// mp4Container reads the duration straight from the ISO-BMFF mvhd box, so a
// missing ffprobe binary does not block probing of MP4/M4A files.
func (p *Prober) mp4Container(ctx context.Context, path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()
	return mvhdDuration(ctx, f)
}

// mvhdDuration walks the top-level box list looking for moov. The file may be
// on slow storage, so ctx is checked between box reads to honour the attempt
// timeout.
func mvhdDuration(ctx context.Context, r io.ReadSeeker) (float64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		size, typ, headerLen, err := readBoxHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: no moov box", ErrUnsupported)
			}
			return 0, err
		}
		if typ == "moov" {
			return mvhdInMoov(ctx, r, size-headerLen)
		}
		if _, err := r.Seek(size-headerLen, io.SeekCurrent); err != nil {
			return 0, fmt.Errorf("%w: truncated %s box", ErrUnsupported, typ)
		}
	}
}

func mvhdInMoov(ctx context.Context, r io.ReadSeeker, remaining int64) (float64, error) {
	for remaining > 8 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		size, typ, headerLen, err := readBoxHeader(r)
		if err != nil {
			return 0, fmt.Errorf("%w: truncated moov box", ErrUnsupported)
		}
		if typ == "mvhd" {
			return parseMvhd(io.LimitReader(r, size-headerLen))
		}
		if _, err := r.Seek(size-headerLen, io.SeekCurrent); err != nil {
			return 0, fmt.Errorf("%w: truncated %s box", ErrUnsupported, typ)
		}
		remaining -= size
	}
	return 0, fmt.Errorf("%w: no mvhd box", ErrUnsupported)
}

func readBoxHeader(r io.Reader) (size int64, typ string, headerLen int64, err error) {
	var hdr [8]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, "", 0, err
	}
	size = int64(binary.BigEndian.Uint32(hdr[:4]))
	typ = string(hdr[4:8])
	headerLen = 8
	if size == 1 {
		var ext [8]byte
		if _, err = io.ReadFull(r, ext[:]); err != nil {
			return 0, "", 0, err
		}
		size = int64(binary.BigEndian.Uint64(ext[:]))
		headerLen = 16
	}
	if size < headerLen {
		return 0, "", 0, fmt.Errorf("%w: invalid box size %d", ErrUnsupported, size)
	}
	return size, typ, headerLen, nil
}

func parseMvhd(r io.Reader) (float64, error) {
	raw, err := io.ReadAll(r)
	if err != nil || len(raw) < 4 {
		return 0, fmt.Errorf("%w: short mvhd box", ErrUnsupported)
	}
	version := raw[0]
	var timescale uint32
	var duration uint64
	switch version {
	case 0:
		// flags(3) + creation(4) + modification(4) + timescale(4) + duration(4)
		if len(raw) < 20 {
			return 0, fmt.Errorf("%w: short mvhd v0", ErrUnsupported)
		}
		timescale = binary.BigEndian.Uint32(raw[12:16])
		duration = uint64(binary.BigEndian.Uint32(raw[16:20]))
	case 1:
		// flags(3) + creation(8) + modification(8) + timescale(4) + duration(8)
		if len(raw) < 32 {
			return 0, fmt.Errorf("%w: short mvhd v1", ErrUnsupported)
		}
		timescale = binary.BigEndian.Uint32(raw[20:24])
		duration = binary.BigEndian.Uint64(raw[24:32])
	default:
		return 0, fmt.Errorf("%w: mvhd version %d", ErrUnsupported, version)
	}
	if timescale == 0 {
		return 0, fmt.Errorf("%w: zero mvhd timescale", ErrUnsupported)
	}
	return float64(duration) / float64(timescale), nil
}
