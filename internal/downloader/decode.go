package downloader

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"net/http"
	"strings"

	_ "golang.org/x/image/bmp"  // recognized, not allowed
	_ "golang.org/x/image/tiff" // recognized, not allowed
	_ "golang.org/x/image/webp" // recognized, not allowed

	"github.com/JakeFAU/comics-crawler/internal/comics"
)

// allowedFormats maps decoder names to file extensions.
var allowedFormats = map[string]string{
	"png":  "png",
	"jpeg": "jpg",
	"gif":  "gif",
}

// Decoded describes a validated image body.
type Decoded struct {
	Format    string
	Extension string
	Width     int
	Height    int
}

// ContentType returns the MIME type of the decoded format.
func (d Decoded) ContentType() string {
	return "image/" + d.Format
}

// DefaultMaxPixels caps decoded image area when Config.MaxPixels is zero.
const DefaultMaxPixels = 64 << 20

// Decode validates body. It returns comics.ErrUnsupportedImageType for images
// outside the allow-list and comics.ErrCorruptImage for anything that does
// not decode. Images whose header declares more than maxPixels pixels are
// corrupt and are never decoded; a non-positive maxPixels disables the check.
func Decode(body []byte, maxPixels int64) (Decoded, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			if sniffed := http.DetectContentType(body); strings.HasPrefix(sniffed, "image/") {
				return Decoded{}, fmt.Errorf("%w: %s", comics.ErrUnsupportedImageType, sniffed)
			}
		}
		return Decoded{}, fmt.Errorf("%w: %v", comics.ErrCorruptImage, err)
	}
	ext, ok := allowedFormats[format]
	if !ok {
		return Decoded{}, fmt.Errorf("%w: %s", comics.ErrUnsupportedImageType, format)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return Decoded{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", comics.ErrCorruptImage, cfg.Width, cfg.Height, maxPixels)
	}
	if _, _, err := image.Decode(bytes.NewReader(body)); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", comics.ErrCorruptImage, err)
	}
	return Decoded{Format: format, Extension: ext, Width: cfg.Width, Height: cfg.Height}, nil
}

// BlobPath is the content-addressed location of an image.
func BlobPath(slug, checksum, ext string) string {
	return fmt.Sprintf("%s/%s/%s.%s", slug, checksum[:2], checksum, ext)
}
