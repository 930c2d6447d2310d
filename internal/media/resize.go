package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// imageExts are the formats the downscaler will re-encode.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": false, // webp decode unsupported
}

// FitImageToCap returns a path to an image no larger than maxBytes. Small
// files pass through untouched; oversized images are downscaled in halving
// steps and re-encoded as JPEG into tmpDir. Non-image files above the cap
// fail with ErrTooLarge.
func FitImageToCap(path string, maxBytes int64, tmpDir string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if maxBytes <= 0 || info.Size() <= maxBytes {
		return path, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !imageExts[ext] {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, info.Size(), maxBytes)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	quality := 85
	for step := 0; step < 5; step++ {
		out, err := os.CreateTemp(tmpDir, "media-fit-*.jpg")
		if err != nil {
			return "", err
		}
		outPath := out.Name()
		out.Close()

		if err := imaging.Save(img, outPath, imaging.JPEGQuality(quality)); err != nil {
			os.Remove(outPath)
			return "", fmt.Errorf("encode image: %w", err)
		}
		fi, err := os.Stat(outPath)
		if err != nil {
			os.Remove(outPath)
			return "", err
		}
		if fi.Size() <= maxBytes {
			return outPath, nil
		}
		os.Remove(outPath)

		bounds := img.Bounds()
		img = imaging.Resize(img, bounds.Dx()/2, 0, imaging.Lanczos)
		if quality > 60 {
			quality -= 10
		}
	}
	return "", fmt.Errorf("%w after downscaling", ErrTooLarge)
}
