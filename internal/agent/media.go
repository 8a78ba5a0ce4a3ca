package agent

import (
	"bytes"
	"encoding/base64"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/goant/internal/providers"
)

const (
	// maxImageBytes bounds how much of a file is read before decode.
	maxImageBytes = 10 * 1024 * 1024

	// maxImageDim is the longest edge accepted by vision endpoints
	// without upstream resizing. Larger images are downscaled to fit.
	maxImageDim = 1568

	jpegQuality = 85
)

// loadImages reads local image files into base64 attachments, downscaling
// oversized ones. Non-image paths and unreadable files are skipped with a
// warning so one bad attachment never fails the turn.
func loadImages(paths []string) []providers.ImageContent {
	if len(paths) == 0 {
		return nil
	}

	var images []providers.ImageContent
	for _, p := range paths {
		mime := imageMime(p)
		if mime == "" {
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision.image_read_failed", "path", p, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("vision.image_too_large", "path", p, "size", len(data))
			continue
		}

		if fitted, fittedMime, ok := downscaleToFit(data); ok {
			data = fitted
			mime = fittedMime
		}

		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// downscaleToFit re-encodes an image whose longest edge exceeds
// maxImageDim. Returns ok=false when the image already fits or cannot be
// decoded (the original bytes are then sent unchanged).
func downscaleToFit(data []byte) ([]byte, string, bool) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", false
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxImageDim && h <= maxImageDim {
		return nil, "", false
	}

	fitted := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		slog.Warn("vision.image_encode_failed", "error", err)
		return nil, "", false
	}

	slog.Debug("vision.image_downscaled",
		"from", image.Pt(w, h).String(),
		"to", image.Pt(fitted.Bounds().Dx(), fitted.Bounds().Dy()).String(),
		"bytes", buf.Len(),
	)
	return buf.Bytes(), "image/jpeg", true
}

// imageMime maps supported extensions to MIME types, "" for non-images.
func imageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
