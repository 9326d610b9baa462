package line3d

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/arcvision/line3d/geometry"
)

// outputFilename encodes the parameters of the last Match/Reconstruct run.
func (e *Engine) outputFilename() string {
	g := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

	var b strings.Builder
	b.WriteString("Line3D++__")
	fmt.Fprintf(&b, "W_%d__", e.cfg.MaxImageWidth)
	fmt.Fprintf(&b, "N_%d__", e.matchCfg.NumNeighbors)
	fmt.Fprintf(&b, "sigmaP_%s__", g(e.sigmaP))
	fmt.Fprintf(&b, "sigmaA_%s__", g(e.matchCfg.SigmaAngle))
	fmt.Fprintf(&b, "epiOverlap_%s__", g(e.matchCfg.EpipolarOverlap))
	fmt.Fprintf(&b, "minBaseline_%s__", g(e.matchCfg.MinBaseline))
	if e.matchCfg.KNN > 0 {
		fmt.Fprintf(&b, "kNN_%d__", e.matchCfg.KNN)
	}
	if e.collinearityT > geometry.Eps {
		fmt.Fprintf(&b, "COLLIN_%s__", g(e.collinearityT))
	}
	if e.fixedRegularizer {
		b.WriteString("FXD_SIGMA_P__")
	}
	if e.diffused {
		b.WriteString("DIFFUSION__")
	}
	if e.refined {
		b.WriteString("OPTIMIZED__")
	}
	fmt.Fprintf(&b, "vis_%d", e.visibilityT)
	return b.String()
}

// SaveSTL writes the reconstructed lines as an ASCII STL of degenerate
// facets, one per collinear 3D interval.
func (e *Engine) SaveSTL(outputDir string) error {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	if len(e.lines) == 0 {
		e.logger.Warn("no 3D lines to save")
		return nil
	}

	path := filepath.Join(outputDir, e.outputFilename()+".stl")
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating STL file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "solid lineModel")
	for _, line := range e.lines {
		for _, seg := range line.Segments {
			fmt.Fprintln(w, " facet normal 1.0 0.0 0.0")
			fmt.Fprintln(w, "  outer loop")
			fmt.Fprintf(w, "   vertex %e %e %e\n", seg.P1.X, seg.P1.Y, seg.P1.Z)
			fmt.Fprintf(w, "   vertex %e %e %e\n", seg.P2.X, seg.P2.Y, seg.P2.Z)
			fmt.Fprintf(w, "   vertex %e %e %e\n", seg.P1.X, seg.P1.Y, seg.P1.Z)
			fmt.Fprintln(w, "  endloop")
			fmt.Fprintln(w, " endfacet")
		}
	}
	fmt.Fprintln(w, "endsolid lineModel")
	return w.Flush()
}

// SaveOBJ writes the reconstructed lines as a Wavefront OBJ line set.
func (e *Engine) SaveOBJ(outputDir string) error {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	if len(e.lines) == 0 {
		e.logger.Warn("no 3D lines to save")
		return nil
	}

	path := filepath.Join(outputDir, e.outputFilename()+".obj")
	var segments []geometry.Segment3D
	for _, line := range e.lines {
		segments = append(segments, line.Segments...)
	}
	return WriteOBJLines(path, segments)
}

// WriteOBJLines writes 3D segments as OBJ vertices and 1-based `l` records.
func WriteOBJLines(path string, segments []geometry.Segment3D) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating OBJ file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	w := bufio.NewWriter(f)
	for _, seg := range segments {
		fmt.Fprintf(w, "v %v %v %v\n", seg.P1.X, seg.P1.Y, seg.P1.Z)
		fmt.Fprintf(w, "v %v %v %v\n", seg.P2.X, seg.P2.Y, seg.P2.Z)
	}
	for i := range segments {
		fmt.Fprintf(w, "l %d %d\n", 2*i+1, 2*i+2)
	}
	return w.Flush()
}

// ReadOBJLines parses an OBJ line set written by WriteOBJLines back into 3D
// segments.
func ReadOBJLines(path string) ([]geometry.Segment3D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening OBJ file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var vertices []r3.Vector
	var segments []geometry.Segment3D

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) != 4 {
				return nil, errors.Errorf("malformed vertex line %q", scanner.Text())
			}
			var p r3.Vector
			if p.X, err = strconv.ParseFloat(fields[1], 64); err != nil {
				return nil, err
			}
			if p.Y, err = strconv.ParseFloat(fields[2], 64); err != nil {
				return nil, err
			}
			if p.Z, err = strconv.ParseFloat(fields[3], 64); err != nil {
				return nil, err
			}
			vertices = append(vertices, p)
		case "l":
			if len(fields) != 3 {
				return nil, errors.Errorf("malformed line record %q", scanner.Text())
			}
			i, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, err
			}
			j, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, err
			}
			if i < 1 || j < 1 || i > len(vertices) || j > len(vertices) {
				return nil, errors.Errorf("line record %q references missing vertices", scanner.Text())
			}
			segments = append(segments, geometry.Segment3D{P1: vertices[i-1], P2: vertices[j-1]})
		}
	}
	return segments, scanner.Err()
}

// SaveTXT writes one whitespace-separated record per final line: the 3D
// interval count and endpoints, then the 2D residual count and per-residual
// camera, segment and pixel coordinates.
func (e *Engine) SaveTXT(outputDir string) error {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	if len(e.lines) == 0 {
		e.logger.Warn("no 3D lines to save")
		return nil
	}

	path := filepath.Join(outputDir, e.outputFilename()+".txt")
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating TXT file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	w := bufio.NewWriter(f)
	for _, line := range e.lines {
		if len(line.Segments) == 0 {
			continue
		}
		fmt.Fprintf(w, "%d ", len(line.Segments))
		for _, seg := range line.Segments {
			fmt.Fprintf(w, "%v %v %v ", seg.P1.X, seg.P1.Y, seg.P1.Z)
			fmt.Fprintf(w, "%v %v %v ", seg.P2.X, seg.P2.Y, seg.P2.Z)
		}
		fmt.Fprintf(w, "%d ", len(line.Cluster.Members))
		for _, member := range line.Cluster.Members {
			coords := geometry.Segment2D{}
			if v, ok := e.views[member.Cam]; ok && member.Seg < len(v.segments) {
				coords = v.segments[member.Seg]
			}
			fmt.Fprintf(w, "%d %d ", member.Cam, member.Seg)
			fmt.Fprintf(w, "%v %v %v %v ", coords.P1.X, coords.P1.Y, coords.P2.X, coords.P2.Y)
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}
