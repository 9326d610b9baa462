package line3d

import (
	"context"
	"image"
	"math"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestAddImageDuplicateID(t *testing.T) {
	e := New(Config{NeighborsByWorldPoints: true}, golog.NewTestLogger(t))
	k := testIntrinsics()
	rot, tr := circleCamera(0, testRadius)
	segs := projectSegments(k, rot, tr, cubeEdges())
	img := image.NewGray(image.Rect(0, 0, testWidth, testHeight))

	err := e.AddImage(context.Background(), 7, img, k, rot, tr, testRadius, []int{0, 1}, segs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.NumViews(), test.ShouldEqual, 1)

	err = e.AddImage(context.Background(), 7, img, k, rot, tr, testRadius, []int{0, 1}, segs)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, e.NumViews(), test.ShouldEqual, 1)
}

func TestAddImageEmptyWorldpoints(t *testing.T) {
	e := New(Config{NeighborsByWorldPoints: true}, golog.NewTestLogger(t))
	k := testIntrinsics()
	rot, tr := circleCamera(0, testRadius)
	segs := projectSegments(k, rot, tr, cubeEdges())

	err := e.AddImage(context.Background(), 0, nil, k, rot, tr, testRadius, nil, segs)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, e.NumViews(), test.ShouldEqual, 0)
}

func TestAddImageNoSegmentsNoDetector(t *testing.T) {
	e := New(Config{NeighborsByWorldPoints: true}, golog.NewTestLogger(t))
	k := testIntrinsics()
	rot, tr := circleCamera(0, testRadius)
	img := image.NewGray(image.Rect(0, 0, testWidth, testHeight))

	err := e.AddImage(context.Background(), 0, img, k, rot, tr, testRadius, []int{0}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, e.NumViews(), test.ShouldEqual, 0)
}

func TestAddImageConcurrent(t *testing.T) {
	e := New(Config{NeighborsByWorldPoints: true}, golog.NewTestLogger(t))
	k := testIntrinsics()
	img := image.NewGray(image.Rect(0, 0, testWidth, testHeight))
	wps := []int{0, 1, 2}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		id := i % 4
		go func() {
			defer wg.Done()
			rot, tr := circleCamera(float64(id)*math.Pi/3, testRadius)
			segs := projectSegments(k, rot, tr, cubeEdges())
			//nolint:errcheck
			e.AddImage(context.Background(), id, img, k, rot, tr, testRadius, wps, segs)
		}()
	}
	wg.Wait()
	test.That(t, e.NumViews(), test.ShouldEqual, 4)
}

func TestZeroBaselineNeighborDropped(t *testing.T) {
	// two views sharing the same center and optical axis: the candidate
	// fails the baseline test, so no pairs are matched
	e := New(Config{NeighborsByWorldPoints: true}, golog.NewTestLogger(t))
	k := testIntrinsics()
	rot, tr := circleCamera(0, testRadius)
	segs := projectSegments(k, rot, tr, cubeEdges())
	img := image.NewGray(image.Rect(0, 0, testWidth, testHeight))
	wps := []int{0, 1, 2}

	test.That(t, e.AddImage(context.Background(), 0, img, k, rot, tr, testRadius, wps, segs), test.ShouldBeNil)
	test.That(t, e.AddImage(context.Background(), 1, img, k, rot, tr, testRadius, wps, segs), test.ShouldBeNil)

	cfg := cubeMatchConfig()
	cfg.KNN = 1
	test.That(t, e.Match(context.Background(), cfg), test.ShouldBeNil)
	test.That(t, e.NumCandidates(0), test.ShouldEqual, 0)
	test.That(t, e.NumCandidates(1), test.ShouldEqual, 0)
}

func TestSegmentCoords(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1, 2})
	seg, ok := e.SegmentCoords(SegmentID{Cam: 0, Seg: 0})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, seg.Length(), test.ShouldBeGreaterThan, 0)

	_, ok = e.SegmentCoords(SegmentID{Cam: 42, Seg: 0})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestCamerasExposesCalibration(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1, 2})
	cams := e.Cameras()
	test.That(t, len(cams), test.ShouldEqual, 3)
	test.That(t, cams[0].Width, test.ShouldEqual, testWidth)
	test.That(t, cams[0].T, test.ShouldNotResemble, r3.Vector{})
}

