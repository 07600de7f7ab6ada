// Package thumbs renders and caches JPEG previews of raster images.
package thumbs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/internal/metrics"
	"github.com/markpippins/throttler/pkg/cache"
)

const (
	DefaultSize = 256
	MinSize     = 32
	MaxSize     = 1024
	Quality     = 80

	// MaxPixels bounds the dimensions of a source image; decoding allocates
	// width*height*4 bytes up front.
	MaxPixels = 40 << 20
)

var (
	// ErrUnsupported is returned for files that are not a supported image type.
	ErrUnsupported = errors.New("unsupported image type")
	// ErrTooLarge is returned for images above MaxPixels.
	ErrTooLarge = errors.New("image dimensions too large")
)

var supported = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// exifTypes carry orientation tags worth reading.
var exifTypes = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// Supported reports whether ext (lower case, with dot) can be thumbnailed.
func Supported(ext string) bool {
	return supported[ext]
}

// ClampSize bounds a requested size; 0 selects the default.
func ClampSize(size int) int {
	switch {
	case size <= 0:
		return DefaultSize
	case size < MinSize:
		return MinSize
	case size > MaxSize:
		return MaxSize
	}
	return size
}

// Generate reads an image, fits it within maxSize x maxSize, applies the EXIF
// orientation and returns the JPEG bytes and final dimensions.
func Generate(r io.Reader, maxSize, orientation int) ([]byte, int, int, error) {
	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, 0, 0, fmt.Errorf("%dx%d: %w", cfg.Width, cfg.Height, ErrTooLarge)
	}

	img, _, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode image: %w", err)
	}

	img = applyOrientation(img, orientation)

	thumb := imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)

	bounds := thumb.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, 0, 0, err
	}

	return buf.Bytes(), w, h, nil
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Orientation returns the EXIF orientation of an image, or 1 when absent.
func Orientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// Service serves thumbnails for files in the store.
type Service struct {
	store *fsops.Store
	cache *cache.Cache // nil disables caching
}

// NewService creates a thumbnail service. c may be nil.
func NewService(store *fsops.Store, c *cache.Cache) *Service {
	return &Service{store: store, cache: c}
}

// Thumbnail returns a JPEG preview of the image at raw, at most size pixels
// on its longest side.
func (s *Service) Thumbnail(ctx context.Context, raw string, size int) ([]byte, error) {
	size = ClampSize(size)

	f, e, err := s.store.Open(ctx, raw)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !supported[e.Ext] {
		return nil, fmt.Errorf("%s: %w", e.Path, ErrUnsupported)
	}

	key := cacheKey(e.Path, size, e.ModTime.UnixNano(), e.Size)
	if s.cache != nil {
		if p, ok := s.cache.Get(key); ok {
			if data, err := os.ReadFile(p); err == nil {
				metrics.RecordThumbnail(true)
				return data, nil
			}
			s.cache.Evict(key)
		}
	}

	orientation := 1
	if exifTypes[e.Ext] {
		orientation = Orientation(f)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind %s: %w", e.Path, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, _, _, err := Generate(f, size, orientation)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", e.Path, ErrUnsupported, err)
	}
	metrics.RecordThumbnail(false)

	if s.cache != nil {
		// Cache write errors are not fatal.
		s.cache.Put(key, bytes.NewReader(data), int64(len(data)))
	}
	return data, nil
}

func cacheKey(v string, size int, mtime, fileSize int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%d", v, size, mtime, fileSize)))
	return fmt.Sprintf("%x.jpg", h[:16])
}
