package line3d

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/arcvision/line3d/cluster"
	"github.com/arcvision/line3d/geometry"
	"github.com/arcvision/line3d/utils"
)

// Reconstruct clusters the scored segments into 3D lines: affinity
// construction, optional diffusion, graph clustering, per-cluster line
// fitting and collinear-interval extraction. Requires a prior Match call;
// with no estimates it warns and leaves an empty result. The view registry
// is held exclusively for the whole phase.
func (e *Engine) Reconstruct(ctx context.Context, cfg ReconstructConfig) error {
	e.reserveMu.Lock()
	defer e.reserveMu.Unlock()
	e.viewMu.Lock()
	defer e.viewMu.Unlock()

	e.clusters = nil
	e.lines = nil

	if len(e.estimates) == 0 {
		e.logger.Warn("no clusterable segments; forgot to match lines?")
		return nil
	}

	cfg = cfg.normalized()
	e.visibilityT = cfg.VisibilityThreshold
	e.diffused = cfg.Diffusion
	e.refined = cfg.Refine && e.cfg.Refiner != nil
	if cfg.Refine && e.cfg.Refiner == nil {
		e.logger.Warn("no refinement backend configured; skipping optimization")
	}

	prevCollinT := e.collinearityT
	e.collinearityT = cfg.CollinearityThreshold

	// find collinear segments (if not already done for this tolerance)
	if e.collinearityT > geometry.Eps &&
		(prevCollinT < geometry.Eps || math.Abs(prevCollinT-e.collinearityT) > geometry.Eps) {
		e.logger.Infow("finding collinear segments", "tolerance_px", e.collinearityT)
		utils.ForEach(ctx, len(e.viewOrder), func(i int) {
			e.views[e.viewOrder[i]].findCollinearSegments(e.collinearityT)
		})
	}

	e.logger.Info("computing affinity matrix")
	e.buildAffinity(ctx)
	e.logger.Infow("affinity matrix", "entries", len(e.affinity), "rows", len(e.local2global))

	if e.diffused {
		e.logger.Info("matrix diffusion")
		e.affinity = cluster.Diffuse(e.affinity, len(e.local2global), 10)
	}

	e.logger.Info("clustering segments")
	e.clusterSegments(ctx)

	e.global2local = nil

	if e.refined {
		e.logger.Info("optimizing 3D lines")
		if err := e.refineClusters(ctx, cfg.MaxRefineIterations); err != nil {
			e.logger.Warnw("refinement failed; keeping unrefined clusters", "error", err)
		}
	}

	e.logger.Info("computing final 3D lines")
	e.computeFinalSegments(ctx)
	e.clusters = nil

	e.logger.Info("filtering tiny segments")
	e.filterTinySegments(ctx)

	e.local2global = nil
	e.logger.Infow("3D lines", "total", len(e.lines))
	return nil
}

// clusterSegments groups the affinity graph into clusters, drops clusters
// seen by too few cameras and fits a 3D line to each survivor.
func (e *Engine) clusterSegments(ctx context.Context) {
	if len(e.affinity) == 0 {
		return
	}

	u := cluster.Perform(e.affinity, len(e.local2global), cluster.DefaultThreshold)
	e.affinity = nil
	if u == nil {
		return
	}

	cluster2segments := map[int][]SegmentID{}
	cluster2cameras := map[int]map[int]bool{}
	var uniqueClusters []int
	for localID, seg := range e.local2global {
		clID := u.Find(localID)
		if _, ok := cluster2segments[clID]; !ok {
			uniqueClusters = append(uniqueClusters, clID)
			cluster2cameras[clID] = map[int]bool{}
		}
		cluster2segments[clID] = append(cluster2segments[clID], seg)
		cluster2cameras[clID][seg.Cam] = true
	}

	if len(cluster2segments) == 0 {
		e.logger.Warn("no clusters found")
		return
	}

	var clusterMu sync.Mutex
	utils.ForEach(ctx, len(uniqueClusters), func(i int) {
		clID := uniqueClusters[i]
		if len(cluster2cameras[clID]) < e.visibilityT {
			return
		}
		lc, ok := e.fitCluster(cluster2segments[clID])
		if !ok {
			return
		}
		clusterMu.Lock()
		e.clusters = append(e.clusters, lc)
		clusterMu.Unlock()
	})

	e.logger.Infow("clusters", "total", len(cluster2segments), "valid", len(e.clusters))
}

// fitCluster fits a 3D line to the member hypotheses of one cluster by SVD
// of the centered endpoint scatter and projects the reference segment onto
// it. Fails when the reference projection is degenerate.
func (e *Engine) fitCluster(members []SegmentID) (LineCluster3D, bool) {
	n := len(members) * 2
	pts := make([]float64, 0, 3*n)

	var centroid [3]float64
	maxLen := 0.0
	var reference SegmentID
	for _, seg := range members {
		hyp := e.estimates[e.entryMap[seg]].seg3D
		pts = append(pts, hyp.P1.X, hyp.P1.Y, hyp.P1.Z, hyp.P2.X, hyp.P2.Y, hyp.P2.Z)
		centroid[0] += hyp.P1.X + hyp.P2.X
		centroid[1] += hyp.P1.Y + hyp.P2.Y
		centroid[2] += hyp.P1.Z + hyp.P2.Z
		if l := hyp.Length(); l > maxLen {
			maxLen = l
			reference = seg
		}
	}
	for i := range centroid {
		centroid[i] /= float64(n)
	}

	// centered scatter S = L*C*L^T with C = I - (1/n)*J
	scatter := mat.NewDense(3, 3, nil)
	for p := 0; p < n; p++ {
		dx := pts[3*p] - centroid[0]
		dy := pts[3*p+1] - centroid[1]
		dz := pts[3*p+2] - centroid[2]
		d := []float64{dx, dy, dz}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				scatter.Set(r, c, scatter.At(r, c)+d[r]*d[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(scatter, mat.SVDThin) {
		return LineCluster3D{}, false
	}
	var u mat.Dense
	svd.UTo(&u)
	dir := r3.Vector{X: u.At(0, 0), Y: u.At(1, 0), Z: u.At(2, 0)}
	dn := dir.Norm()
	if dn < geometry.Eps {
		return LineCluster3D{}, false
	}
	dir = dir.Mul(1 / dn)

	anchor := r3.Vector{X: centroid[0], Y: centroid[1], Z: centroid[2]}
	initial := geometry.Segment3D{P1: anchor, P2: anchor.Add(dir)}

	fitted, ok := e.projectSegmentOntoLine(reference, initial)
	if !ok {
		return LineCluster3D{}, false
	}

	return LineCluster3D{
		Seg3D:     fitted,
		Reference: reference,
		Members:   members,
	}, true
}

// projectSegmentOntoLine projects the viewing rays of a 2D segment's
// endpoints onto a 3D line by minimizing squared ray-to-line distance,
// yielding the supporting 3D interval. Fails on near-parallel geometry.
func (e *Engine) projectSegmentOntoLine(seg2D SegmentID, seg3D geometry.Segment3D) (geometry.Segment3D, bool) {
	p := seg3D.P1
	u := seg3D.Dir()

	v := e.views[seg2D.Cam]
	q := v.center
	v1 := v.segmentRay(seg2D.Seg, true)
	v2 := v.segmentRay(seg2D.Seg, false)

	w := p.Sub(q)

	a := u.Dot(u)
	b1 := u.Dot(v1)
	b2 := u.Dot(v2)
	c1 := v1.Dot(v1)
	c2 := v2.Dot(v2)
	d := u.Dot(w)
	e1 := v1.Dot(w)
	e2 := v2.Dot(w)

	denom1 := a*c1 - b1*b1
	denom2 := a*c2 - b2*b2
	if math.Abs(denom1) <= geometry.Eps || math.Abs(denom2) <= geometry.Eps {
		return geometry.Segment3D{}, false
	}

	s1 := (b1*e1 - c1*d) / denom1
	s2 := (b2*e2 - c2*d) / denom2
	return geometry.Segment3D{P1: p.Add(u.Mul(s1)), P2: p.Add(u.Mul(s2))}, true
}

// refineClusters hands the fitted clusters to the configured refinement
// backend. Membership is fixed; only geometry may change.
func (e *Engine) refineClusters(ctx context.Context, maxIterations int) error {
	refs := make([]*LineCluster3D, len(e.clusters))
	for i := range e.clusters {
		refs[i] = &e.clusters[i]
	}
	return e.cfg.Refiner.Refine(ctx, refs, e.camerasLocked(), maxIterations)
}

// linePoint tags one projected member endpoint during the collinear sweep.
type linePoint struct {
	memberID     int
	pointID      int
	camID        int
	distToBorder float64
}

// computeFinalSegments extracts the collinear 3D intervals of every cluster
// and materializes the final lines.
func (e *Engine) computeFinalSegments(ctx context.Context) {
	var linesMu sync.Mutex
	utils.ForEach(ctx, len(e.clusters), func(i int) {
		lc := e.clusters[i]
		collinear := e.collinearIntervals(lc)
		if len(collinear) == 0 {
			return
		}
		linesMu.Lock()
		e.lines = append(e.lines, FinalLine3D{Cluster: lc, Segments: collinear})
		linesMu.Unlock()
	})
}

// collinearIntervals projects every cluster member onto the fitted line and
// sweeps the projected endpoints from the endpoint farthest from the line's
// midpoint across to the other end, emitting the intervals during which at
// least three distinct cameras are simultaneously open.
func (e *Engine) collinearIntervals(lc LineCluster3D) []geometry.Segment3D {
	cog := lc.Seg3D.P1.Add(lc.Seg3D.P2).Mul(0.5)

	var linePoints []linePoint
	coords := make([]r3.Vector, 0, len(lc.Members)*2)

	distToCOG := 0.0
	var border r3.Vector

	pID := 0
	for id, seg := range lc.Members {
		proj, ok := e.projectSegmentOntoLine(seg, lc.Seg3D)
		if !ok {
			continue
		}

		coords = append(coords, proj.P1, proj.P2)
		linePoints = append(linePoints,
			linePoint{memberID: id, pointID: pID, camID: seg.Cam},
			linePoint{memberID: id, pointID: pID + 1, camID: seg.Cam},
		)

		if d := proj.P1.Sub(cog).Norm(); d > distToCOG {
			distToCOG = d
			border = proj.P1
		}
		if d := proj.P2.Sub(cog).Norm(); d > distToCOG {
			distToCOG = d
			border = proj.P2
		}
		pID += 2
	}

	if len(linePoints) < 6 {
		return nil
	}

	for i := range linePoints {
		linePoints[i].distToBorder = coords[linePoints[i].pointID].Sub(border).Norm()
	}
	sort.SliceStable(linePoints, func(i, j int) bool {
		return linePoints[i].distToBorder < linePoints[j].distToBorder
	})

	var collinear []geometry.Segment3D
	openLines := map[int]bool{}
	openCams := map[int]int{}
	opened := false
	var currentStart r3.Vector

	for _, pt := range linePoints {
		if !openLines[pt.memberID] {
			openLines[pt.memberID] = true
			openCams[pt.camID]++
		} else {
			delete(openLines, pt.memberID)
			openCams[pt.camID]--
			if openCams[pt.camID] == 0 {
				delete(openCams, pt.camID)
			}
		}

		if opened && len(openCams) < 3 {
			collinear = append(collinear, geometry.Segment3D{P1: currentStart, P2: coords[pt.pointID]})
			opened = false
		} else if !opened && len(openCams) >= 3 {
			currentStart = coords[pt.pointID]
			opened = true
		}
	}

	return collinear
}

// filterTinySegments removes 3D intervals whose reprojection into the
// reference camera falls below the per-view minimum line length, and lines
// left without intervals.
func (e *Engine) filterTinySegments(ctx context.Context) {
	before := len(e.lines)
	if before == 0 {
		return
	}

	utils.ForEach(ctx, len(e.lines), func(i int) {
		v := e.views[e.lines[i].Cluster.Reference.Cam]
		filtered := e.lines[i].Segments[:0]
		for _, seg := range e.lines[i].Segments {
			if v.projectedLongEnough(seg) {
				filtered = append(filtered, seg)
			}
		}
		e.lines[i].Segments = filtered
	})

	kept := e.lines[:0]
	for _, l := range e.lines {
		if len(l.Segments) > 0 {
			kept = append(kept, l)
		}
	}
	e.lines = kept

	e.logger.Infow("removed lines", "count", before-len(e.lines))
}
