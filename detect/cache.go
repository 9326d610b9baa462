package detect

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/arcvision/line3d/geometry"
)

// cacheFilePath keys a cached detection by camera id and detection-time
// image size.
func cacheFilePath(dir string, camID, width, height int) string {
	return filepath.Join(dir, fmt.Sprintf("segments_%d_%dx%d.bin", camID, width, height))
}

// saveCachedSegments dumps segments as little-endian float32 endpoint
// quadruples behind a count header.
func saveCachedSegments(path string, segments []geometry.Segment2D) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating segment cache")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(segments))); err != nil {
		return err
	}
	for _, seg := range segments {
		quad := [4]float32{float32(seg.P1.X), float32(seg.P1.Y), float32(seg.P2.X), float32(seg.P2.Y)}
		if err := binary.Write(w, binary.LittleEndian, quad); err != nil {
			return err
		}
	}
	return w.Flush()
}

// loadCachedSegments reads a cache file written by saveCachedSegments.
func loadCachedSegments(path string) ([]geometry.Segment2D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	r := bufio.NewReader(f)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, errors.Wrap(err, "reading segment cache header")
	}
	segments := make([]geometry.Segment2D, 0, count)
	for i := uint32(0); i < count; i++ {
		var quad [4]float32
		if err := binary.Read(r, binary.LittleEndian, &quad); err != nil {
			return nil, errors.Wrap(err, "reading segment cache entry")
		}
		segments = append(segments, geometry.NewSegment2D(
			float64(quad[0]), float64(quad[1]), float64(quad[2]), float64(quad[3])))
	}
	return segments, nil
}
