package line3d

import (
	"context"
	"math"
)

// Scoring and affinity acceptance constants.
const (
	minSimilarity3D = 0.25
	minScore3D      = 0.25
	minBestScore3D  = 0.5
	minAffinity     = 0.25
)

const (
	defaultMaxImageWidth       = 1920
	defaultMaxSegments         = 3000
	defaultNumNeighbors        = 10
	defaultMinBaseline         = 0.1
	defaultEpipolarOverlap     = 0.25
	defaultKNN                 = 10
	defaultSigmaPosition       = 2.5
	defaultSigmaAngle          = 10.0
	defaultVisibility          = 3
	defaultMinLineLengthFactor = 0.005
)

// Config holds the engine-level settings fixed at construction.
type Config struct {
	// MaxImageWidth bounds the longest image dimension handed to the
	// segment detector; larger images are downscaled first.
	MaxImageWidth int `json:"max_image_width"`
	// MaxSegments caps the number of detected segments kept per view.
	MaxSegments int `json:"max_segments"`
	// NeighborsByWorldPoints selects whether AddImage's id list carries
	// shared tie-point ids (true) or explicit visual neighbors (false).
	NeighborsByWorldPoints bool `json:"neighbors_by_worldpoints"`
	// LoadSegments enables the on-disk segment cache for the detector path.
	LoadSegments bool `json:"load_segments"`
	// CacheDir is where cached segment files live.
	CacheDir string `json:"cache_dir"`

	// Detector supplies 2D segments when AddImage is called without any.
	Detector SegmentDetector `json:"-"`
	// Refiner optionally adjusts cluster geometry after clustering.
	Refiner Refiner `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxImageWidth <= 0 {
		c.MaxImageWidth = defaultMaxImageWidth
	}
	if c.MaxSegments <= 0 {
		c.MaxSegments = defaultMaxSegments
	}
	return c
}

// MatchConfig parameterizes the matching phase.
type MatchConfig struct {
	// SigmaPosition is the positional regularizer; non-negative values are
	// pixels (min 0.1 px, converted per view by depth), negative values fix
	// the regularizer to |SigmaPosition| in world units.
	SigmaPosition float64 `json:"sigma_position"`
	// SigmaAngle is the angular regularizer in degrees.
	SigmaAngle float64 `json:"sigma_angle"`
	// NumNeighbors bounds the visual-neighbor degree per view (min 2).
	NumNeighbors int `json:"num_neighbors"`
	// EpipolarOverlap is the minimum mutual epipolar overlap for a
	// candidate match, clamped to [0,0.99].
	EpipolarOverlap float64 `json:"epipolar_overlap"`
	// MinBaseline is the minimum distance between neighboring cameras.
	MinBaseline float64 `json:"min_baseline"`
	// KNN keeps only the k best candidates per source segment; 0 keeps all.
	KNN int `json:"knn"`
}

// DefaultMatchConfig returns the stock matching parameters.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		SigmaPosition:   defaultSigmaPosition,
		SigmaAngle:      defaultSigmaAngle,
		NumNeighbors:    defaultNumNeighbors,
		EpipolarOverlap: defaultEpipolarOverlap,
		MinBaseline:     defaultMinBaseline,
		KNN:             defaultKNN,
	}
}

func (c MatchConfig) normalized() MatchConfig {
	if c.NumNeighbors < 2 {
		c.NumNeighbors = 2
	}
	c.SigmaAngle = math.Min(math.Abs(c.SigmaAngle), 90)
	c.MinBaseline = math.Max(c.MinBaseline, 0)
	c.EpipolarOverlap = math.Min(math.Abs(c.EpipolarOverlap), 0.99)
	return c
}

// ReconstructConfig parameterizes the reconstruction phase.
type ReconstructConfig struct {
	// VisibilityThreshold is the minimum number of distinct cameras per
	// cluster (min 3).
	VisibilityThreshold int `json:"visibility_threshold"`
	// Diffusion enables replicator-dynamics reweighting of the affinity
	// edges before clustering.
	Diffusion bool `json:"diffusion"`
	// CollinearityThreshold enables same-view collinear affinity extensions
	// when > 0 (pixels).
	CollinearityThreshold float64 `json:"collinearity_threshold"`
	// Refine runs the configured Refiner over the clusters.
	Refine bool `json:"refine"`
	// MaxRefineIterations is handed to the Refiner.
	MaxRefineIterations int `json:"max_refine_iterations"`
}

// DefaultReconstructConfig returns the stock reconstruction parameters.
func DefaultReconstructConfig() ReconstructConfig {
	return ReconstructConfig{
		VisibilityThreshold:   defaultVisibility,
		CollinearityThreshold: -1,
		MaxRefineIterations:   25,
	}
}

func (c ReconstructConfig) normalized() ReconstructConfig {
	if c.VisibilityThreshold < 3 {
		c.VisibilityThreshold = 3
	}
	if c.MaxRefineIterations <= 0 {
		c.MaxRefineIterations = 25
	}
	return c
}

// Refiner adjusts the fitted geometry of clusters, typically by minimizing
// per-view reprojection residuals. Implementations must not change cluster
// membership.
type Refiner interface {
	Refine(ctx context.Context, clusters []*LineCluster3D, cameras map[int]Camera, maxIterations int) error
}
