package engine

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxRefImageBytes is the largest local reference image adapters will inline.
// Remote engines reject oversized first-frame images anyway; failing locally
// is cheaper and classifiable as ErrInvalidInput.
const maxRefImageBytes = 30 << 20

var refImageMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".gif":  "image/gif",
}

// PrepareImageRef normalizes a job's reference image for submission.
//
// URLs and data URLs pass through unchanged. Local paths are validated and
// inlined as base64 data URLs, which is the form image-to-video APIs accept
// without a separate upload step. Returns ErrInvalidInput for missing,
// oversized, or unsupported files.
func PrepareImageRef(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") ||
		strings.HasPrefix(ref, "data:image/") {
		return ref, nil
	}

	mime, ok := refImageMIME[strings.ToLower(filepath.Ext(ref))]
	if !ok {
		return "", fmt.Errorf("%w: unsupported reference image type %q", ErrInvalidInput, filepath.Ext(ref))
	}

	info, err := os.Stat(ref)
	if err != nil {
		return "", fmt.Errorf("%w: reference image %s: %v", ErrInvalidInput, ref, err)
	}
	if info.Size() > maxRefImageBytes {
		return "", fmt.Errorf("%w: reference image %s exceeds %dMB", ErrInvalidInput, ref, maxRefImageBytes>>20)
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("%w: reference image %s: %v", ErrInvalidInput, ref, err)
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)), nil
}
