// Package main is a command-line front-end for the line3d reconstruction
// engine: it loads a scene description (calibrated cameras plus detected 2D
// segments), runs matching and reconstruction, and writes the resulting 3D
// line model as STL, OBJ and TXT.
package main

import (
	"encoding/json"
	"image"
	"os"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/arcvision/line3d"
	"github.com/arcvision/line3d/geometry"
)

type sceneCamera struct {
	ID          int          `json:"id"`
	K           []float64    `json:"k"`
	R           []float64    `json:"r"`
	T           []float64    `json:"t"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	MedianDepth float64      `json:"median_depth"`
	WPs         []int        `json:"worldpoints"`
	Segments    [][4]float64 `json:"segments"`
}

type scene struct {
	NeighborsByWorldPoints bool          `json:"neighbors_by_worldpoints"`
	Cameras                []sceneCamera `json:"cameras"`
}

func loadScene(path string) (*scene, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	var s scene
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decoding scene file")
	}
	return &s, nil
}

func main() {
	logger := golog.NewLogger("line3d")

	app := &cli.App{
		Name:  "line3d",
		Usage: "reconstruct 3D line segments from calibrated multi-view 2D detections",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scene", Usage: "scene JSON with cameras and segments", Required: true},
			&cli.StringFlag{Name: "output", Usage: "output directory", Value: "."},
			&cli.Float64Flag{Name: "sigma-p", Value: 2.5, Usage: "positional regularizer (px; negative = fixed world units)"},
			&cli.Float64Flag{Name: "sigma-a", Value: 10, Usage: "angular regularizer (degrees)"},
			&cli.IntFlag{Name: "neighbors", Value: 10, Usage: "max visual neighbors per view"},
			&cli.Float64Flag{Name: "epi-overlap", Value: 0.25, Usage: "min mutual epipolar overlap"},
			&cli.Float64Flag{Name: "min-baseline", Value: 0.1, Usage: "min camera baseline"},
			&cli.IntFlag{Name: "knn", Value: 10, Usage: "candidates kept per source segment (0 = all)"},
			&cli.IntFlag{Name: "visibility", Value: 3, Usage: "min distinct cameras per cluster"},
			&cli.Float64Flag{Name: "collinearity", Value: -1, Usage: "collinearity tolerance (px; <=0 disables)"},
			&cli.BoolFlag{Name: "diffusion", Usage: "reweight affinities by diffusion before clustering"},
		},
		Action: func(c *cli.Context) error {
			return run(c, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func run(c *cli.Context, logger golog.Logger) error {
	ctx := c.Context

	s, err := loadScene(c.String("scene"))
	if err != nil {
		return err
	}
	if len(s.Cameras) == 0 {
		return errors.New("scene has no cameras")
	}

	engine := line3d.New(line3d.Config{
		NeighborsByWorldPoints: s.NeighborsByWorldPoints,
	}, logger)

	var group errgroup.Group
	for _, cam := range s.Cameras {
		camCopy := cam
		group.Go(func() error {
			if len(camCopy.K) != 9 || len(camCopy.R) != 9 || len(camCopy.T) != 3 {
				return errors.Errorf("camera %d has malformed calibration", camCopy.ID)
			}
			segments := make([]geometry.Segment2D, 0, len(camCopy.Segments))
			for _, q := range camCopy.Segments {
				segments = append(segments, geometry.NewSegment2D(q[0], q[1], q[2], q[3]))
			}
			var img image.Image
			if camCopy.Width > 0 && camCopy.Height > 0 {
				img = image.NewGray(image.Rect(0, 0, camCopy.Width, camCopy.Height))
			}
			return engine.AddImage(ctx, camCopy.ID, img,
				mat.NewDense(3, 3, camCopy.K),
				mat.NewDense(3, 3, camCopy.R),
				r3.Vector{X: camCopy.T[0], Y: camCopy.T[1], Z: camCopy.T[2]},
				camCopy.MedianDepth, camCopy.WPs, segments)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if err := engine.Match(ctx, line3d.MatchConfig{
		SigmaPosition:   c.Float64("sigma-p"),
		SigmaAngle:      c.Float64("sigma-a"),
		NumNeighbors:    c.Int("neighbors"),
		EpipolarOverlap: c.Float64("epi-overlap"),
		MinBaseline:     c.Float64("min-baseline"),
		KNN:             c.Int("knn"),
	}); err != nil {
		return err
	}

	if err := engine.Reconstruct(ctx, line3d.ReconstructConfig{
		VisibilityThreshold:   c.Int("visibility"),
		CollinearityThreshold: c.Float64("collinearity"),
		Diffusion:             c.Bool("diffusion"),
	}); err != nil {
		return err
	}

	logger.Infow("reconstruction finished", "lines", len(engine.Lines()))

	outDir := c.String("output")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return err
	}
	if err := engine.SaveSTL(outDir); err != nil {
		return err
	}
	if err := engine.SaveOBJ(outDir); err != nil {
		return err
	}
	return engine.SaveTXT(outDir)
}
