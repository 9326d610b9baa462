// Package detect wraps an external line-segment detector: it normalizes
// input images to grayscale, downscales oversized images before detection
// and rescales the resulting coordinates, filters out short segments, and
// optionally caches detections on disk keyed by camera id and image size.
package detect

import (
	"context"
	"image"
	"image/draw"
	"math"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/arcvision/line3d/geometry"
)

// Detector produces pixel-space 2D line segments from a grayscale image.
type Detector interface {
	Detect(ctx context.Context, img *image.Gray) ([]geometry.Segment2D, error)
}

// Params configures the detection wrapper.
type Params struct {
	// MaxImageWidth bounds the longest image dimension; larger images are
	// downscaled for detection and the coordinates scaled back.
	MaxImageWidth int
	// MaxSegments caps the number of segments kept, longest first.
	MaxSegments int
	// MinLengthFactor scales the original image diagonal into the minimum
	// segment length.
	MinLengthFactor float64
	// CacheDir holds cached detections when UseCache is set.
	CacheDir string
	UseCache bool
}

// Segments runs the detector on img under the wrapper's size and length
// policies. Unsupported image kinds are rejected.
func Segments(ctx context.Context, det Detector, camID int, img image.Image,
	p Params, logger golog.Logger,
) ([]geometry.Segment2D, error) {
	if img == nil {
		return nil, errors.New("no image given")
	}
	gray, err := toGray(img)
	if err != nil {
		return nil, err
	}

	bounds := gray.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	maxDim := width
	if height > maxDim {
		maxDim = height
	}

	upscaleX, upscaleY := 1.0, 1.0
	detImg := gray
	newWidth, newHeight := width, height
	if p.MaxImageWidth > 0 && maxDim > p.MaxImageWidth {
		s := float64(p.MaxImageWidth) / float64(maxDim)
		resized := resize.Resize(uint(float64(width)*s), uint(float64(height)*s), gray, resize.Bilinear)
		detImg = imageToGray(resized)
		rb := detImg.Bounds()
		newWidth, newHeight = rb.Dx(), rb.Dy()
		upscaleX = float64(width) / float64(newWidth)
		upscaleY = float64(height) / float64(newHeight)
	}

	cachePath := ""
	if p.UseCache && p.CacheDir != "" {
		cachePath = cacheFilePath(p.CacheDir, camID, newWidth, newHeight)
		if cached, err := loadCachedSegments(cachePath); err == nil {
			return cached, nil
		}
	}

	detections, err := det.Detect(ctx, detImg)
	if err != nil {
		return nil, errors.Wrapf(err, "detecting segments in image %d", camID)
	}

	diagonal := math.Hypot(float64(width), float64(height))
	minLen := diagonal * p.MinLengthFactor

	segments := make([]geometry.Segment2D, 0, len(detections))
	for _, d := range detections {
		seg := geometry.Segment2D{
			P1: scalePoint(d.P1, upscaleX, upscaleY),
			P2: scalePoint(d.P2, upscaleX, upscaleY),
		}
		if seg.Length() > minLen {
			segments = append(segments, seg)
		}
	}

	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Length() > segments[j].Length()
	})
	if p.MaxSegments > 0 && len(segments) > p.MaxSegments {
		segments = segments[:p.MaxSegments]
	}

	if cachePath != "" && len(segments) > 0 {
		if err := saveCachedSegments(cachePath, segments); err != nil {
			logger.Warnw("could not cache segments", "cam", camID, "error", err)
		}
	}
	return segments, nil
}

func scalePoint(p r2.Point, sx, sy float64) r2.Point {
	return r2.Point{X: p.X * sx, Y: p.Y * sy}
}

// toGray converts a supported image kind to grayscale.
func toGray(img image.Image) (*image.Gray, error) {
	switch img.(type) {
	case *image.Gray, *image.RGBA, *image.NRGBA, *image.YCbCr:
		return imageToGray(img), nil
	default:
		return nil, errors.Errorf("image type %T not supported; must be gray or RGB", img)
	}
}

func imageToGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	out := image.NewGray(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out
}
