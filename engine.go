package line3d

import (
	"context"
	"image"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/arcvision/line3d/cluster"
	"github.com/arcvision/line3d/detect"
	"github.com/arcvision/line3d/geometry"
)

// SegmentDetector supplies 2D line segments for images registered without
// precomputed segments.
type SegmentDetector = detect.Detector

// SegmentID identifies a 2D segment by camera id and in-view index.
type SegmentID struct {
	Cam int
	Seg int
}

// Match is a candidate correspondence between a source and a target 2D
// segment, with the endpoint depths obtained from two-way triangulation.
// All four depths of a stored match are strictly positive.
type Match struct {
	SrcCam int
	SrcSeg int
	TgtCam int
	TgtSeg int

	OverlapScore float64
	Score3D      float64

	DepthP1 float64
	DepthP2 float64
	DepthQ1 float64
	DepthQ2 float64
}

func (m Match) srcID() SegmentID { return SegmentID{m.SrcCam, m.SrcSeg} }
func (m Match) tgtID() SegmentID { return SegmentID{m.TgtCam, m.TgtSeg} }

// inverse mirrors a match so that the target side becomes the source side.
// The 3D score is reset; the mirrored match is rescored when its new source
// view is processed.
func (m Match) inverse() Match {
	return Match{
		SrcCam:       m.TgtCam,
		SrcSeg:       m.TgtSeg,
		TgtCam:       m.SrcCam,
		TgtSeg:       m.SrcSeg,
		OverlapScore: m.OverlapScore,
		DepthP1:      m.DepthQ1,
		DepthP2:      m.DepthQ2,
		DepthQ1:      m.DepthP1,
		DepthQ2:      m.DepthP2,
	}
}

// estimate is the best-scoring match of a 2D segment together with its
// back-projected 3D position.
type estimate struct {
	seg3D geometry.Segment3D
	match Match
}

// LineCluster3D is a fitted 3D line with the 2D segments supporting it. The
// reference segment is the member whose 3D hypothesis was longest.
type LineCluster3D struct {
	Seg3D     geometry.Segment3D
	Reference SegmentID
	Members   []SegmentID
}

// FinalLine3D is a reconstructed line: the underlying cluster plus the
// collinear 3D intervals extracted from it.
type FinalLine3D struct {
	Cluster  LineCluster3D
	Segments []geometry.Segment3D
}

// Camera exposes a registered view's calibration to external collaborators.
type Camera struct {
	ID     int
	K      *mat.Dense
	R      *mat.Dense
	T      r3.Vector
	Width  int
	Height int
}

// Engine reconstructs 3D line segments from 2D segment detections across
// calibrated views. All mutable pipeline state is owned by the engine
// value; Match and Reconstruct rebuild their outputs on every call.
type Engine struct {
	logger  golog.Logger
	cfg     Config
	backend pairBackend

	reserveMu sync.Mutex
	reserved  map[int]bool

	viewMu        sync.Mutex
	views         map[int]*view
	viewOrder     []int
	numLinesTotal int

	// matches[cam][seg] is the candidate list of one source segment.
	matches       map[int][][]Match
	numMatches    map[int]int
	numCandidates map[int]int
	matchMu       sync.Mutex

	processed map[int]bool
	matched   map[int]map[int]bool

	neighbors      map[int]map[int]bool
	fixedNeighbors map[int][]int
	views2wps      map[int][]int
	wps2views      map[int][]int
	numWPs         map[int]int

	fundamentals map[int]map[int]*mat.Dense

	estMu     sync.Mutex
	entryMap  map[SegmentID]int
	estimates []estimate

	affMu        sync.Mutex
	affinity     []cluster.Edge
	affIDMu      sync.Mutex
	global2local map[SegmentID]int
	local2global []SegmentID
	usedMu       sync.Mutex
	used         map[SegmentID]map[SegmentID]bool

	clusters []LineCluster3D
	lines    []FinalLine3D

	// parameters of the most recent Match/Reconstruct calls, used for
	// scoring and output naming
	matchCfg         MatchConfig
	fixedRegularizer bool
	sigmaP           float64
	twoSigASqr       float64
	collinearityT    float64
	visibilityT      int
	diffused         bool
	refined          bool
}

// New creates an engine with the given settings.
func New(cfg Config, logger golog.Logger) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		logger:         logger,
		cfg:            cfg,
		reserved:       map[int]bool{},
		views:          map[int]*view{},
		matches:        map[int][][]Match{},
		numMatches:     map[int]int{},
		numCandidates:  map[int]int{},
		processed:      map[int]bool{},
		matched:        map[int]map[int]bool{},
		neighbors:      map[int]map[int]bool{},
		fixedNeighbors: map[int][]int{},
		views2wps:      map[int][]int{},
		wps2views:      map[int][]int{},
		numWPs:         map[int]int{},
		fundamentals:   map[int]map[int]*mat.Dense{},
		entryMap:       map[SegmentID]int{},
		collinearityT:  -1,
		visibilityT:    defaultVisibility,
	}
	e.backend = e
	return e
}

// AddImage registers a calibrated view. K and R are 3x3; t is the
// translation of the world-to-camera transform. wpsOrNeighbors carries
// shared tie-point ids or explicit neighbor camera ids depending on the
// engine's NeighborsByWorldPoints setting. When segments is empty, the
// configured detector is run on img. Safe for concurrent use.
func (e *Engine) AddImage(ctx context.Context, camID int, img image.Image,
	k, r *mat.Dense, t r3.Vector, medianDepth float64,
	wpsOrNeighbors []int, segments []geometry.Segment2D,
) error {
	// two-phase admission: reserve the id, then publish the view
	e.reserveMu.Lock()
	if e.reserved[camID] {
		e.reserveMu.Unlock()
		e.logger.Errorw("camera id already in use", "cam", camID)
		return errors.Errorf("camera id %d already in use", camID)
	}
	e.reserved[camID] = true
	e.reserveMu.Unlock()

	if len(wpsOrNeighbors) == 0 {
		if e.cfg.NeighborsByWorldPoints {
			e.logger.Errorw("view has no worldpoints", "cam", camID)
			return errors.Errorf("view %d has no worldpoints", camID)
		}
		e.logger.Errorw("view has no visual neighbors", "cam", camID)
		return errors.Errorf("view %d has no visual neighbors", camID)
	}

	width, height := 0, 0
	if img != nil {
		b := img.Bounds()
		width, height = b.Dx(), b.Dy()
	}

	if len(segments) == 0 {
		if e.cfg.Detector == nil {
			return errors.Errorf("view %d has no segments and no detector is configured", camID)
		}
		var err error
		segments, err = detect.Segments(ctx, e.cfg.Detector, camID, img, detect.Params{
			MaxImageWidth:   e.cfg.MaxImageWidth,
			MaxSegments:     e.cfg.MaxSegments,
			MinLengthFactor: defaultMinLineLengthFactor,
			CacheDir:        e.cfg.CacheDir,
			UseCache:        e.cfg.LoadSegments,
		}, e.logger)
		if err != nil {
			return err
		}
		if len(segments) == 0 {
			e.logger.Warnw("no line segments found in image", "cam", camID)
			return errors.Errorf("no line segments found in image %d", camID)
		}
	}

	v, err := newView(camID, k, r, t, width, height, medianDepth, segments)
	if err != nil {
		return errors.Wrapf(err, "view %d has a degenerate calibration matrix", camID)
	}

	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	e.views[camID] = v
	e.viewOrder = append(e.viewOrder, camID)
	e.matches[camID] = make([][]Match, len(segments))
	e.numMatches[camID] = 0
	e.processed[camID] = false
	e.neighbors[camID] = map[int]bool{}
	e.numLinesTotal += len(segments)

	if e.cfg.NeighborsByWorldPoints {
		e.processWPList(camID, wpsOrNeighbors)
	} else {
		e.fixedNeighbors[camID] = append([]int(nil), wpsOrNeighbors...)
	}

	e.logger.Infow("added view", "cam", camID, "lines", len(segments), "views", len(e.views))
	return nil
}

// NumViews returns the number of registered views.
func (e *Engine) NumViews() int {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return len(e.views)
}

// NumCandidates returns the number of raw match candidates found for a
// source view during the last Match call, before score filtering.
func (e *Engine) NumCandidates(camID int) int {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.numCandidates[camID]
}

// NumMatches returns the number of retained matches of a source view after
// score filtering.
func (e *Engine) NumMatches(camID int) int {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.numMatches[camID]
}

// Lines returns the reconstructed 3D lines of the last Reconstruct call.
func (e *Engine) Lines() []FinalLine3D {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	out := make([]FinalLine3D, len(e.lines))
	copy(out, e.lines)
	return out
}

// Cameras exposes the registered calibrations, keyed by camera id.
func (e *Engine) Cameras() map[int]Camera {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.camerasLocked()
}

func (e *Engine) camerasLocked() map[int]Camera {
	out := make(map[int]Camera, len(e.views))
	for id, v := range e.views {
		out[id] = Camera{
			ID:     id,
			K:      mat.DenseCopyOf(v.k),
			R:      mat.DenseCopyOf(v.r),
			T:      v.t,
			Width:  v.width,
			Height: v.height,
		}
	}
	return out
}

// SegmentCoords returns the raw pixel endpoints of a registered 2D segment.
func (e *Engine) SegmentCoords(id SegmentID) (geometry.Segment2D, bool) {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	v, ok := e.views[id.Cam]
	if !ok || id.Seg < 0 || id.Seg >= len(v.segments) {
		return geometry.Segment2D{}, false
	}
	return v.segments[id.Seg], true
}

// processWPList records which views observe each shared tie-point.
// Called with viewMu held.
func (e *Engine) processWPList(camID int, wps []int) {
	for _, wp := range wps {
		e.wps2views[wp] = append(e.wps2views[wp], camID)
	}
	e.numWPs[camID] = len(wps)
	e.views2wps[camID] = append([]int(nil), wps...)
}

// unprojectMatch back-projects the source (or target) side of a match.
func (e *Engine) unprojectMatch(m Match, src bool) geometry.Segment3D {
	if src {
		return e.views[m.SrcCam].unprojectSegment(m.SrcSeg, m.DepthP1, m.DepthP2)
	}
	return e.views[m.TgtCam].unprojectSegment(m.TgtSeg, m.DepthQ1, m.DepthQ2)
}
