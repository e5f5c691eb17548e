package imagerender

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
)

// NormalizeForOCR prepares an image file for recognition: grayscale plus
// downscaling so neither dimension exceeds maxWidth/maxHeight. The result
// is written to outPath (format inferred from its extension) and the
// final dimensions are returned. Images already within bounds keep their
// size; nothing is ever upscaled.
func NormalizeForOCR(srcPath, outPath string, maxWidth, maxHeight int) (int, int, error) {
	img, err := imaging.Open(srcPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open image: %w", err)
	}

	img = imaging.Grayscale(img)
	img = clamp(img, maxWidth, maxHeight)

	if err := imaging.Save(img, outPath); err != nil {
		return 0, 0, fmt.Errorf("save normalized image: %w", err)
	}

	bounds := img.Bounds()
	log.Debug().
		Str("src", filepath.Base(srcPath)).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Msg("normalized image for OCR")
	return bounds.Dx(), bounds.Dy(), nil
}

// Dimensions returns width and height of the image at path.
func Dimensions(path string) (int, int, error) {
	cfg, err := imaging.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open image: %w", err)
	}
	b := cfg.Bounds()
	return b.Dx(), b.Dy(), nil
}

// SupportedOutput reports whether the extension maps to a format
// imaging can encode.
func SupportedOutput(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp":
		return true
	}
	return false
}

func clamp(img image.Image, maxWidth, maxHeight int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxWidth && b.Dy() <= maxHeight {
		return img
	}
	// Fit preserves aspect ratio and never upscales.
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
}
