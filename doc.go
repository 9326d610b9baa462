// Package line3d reconstructs 3D line segments from 2D line detections in
// calibrated multi-view image sets. Views are registered with intrinsics,
// pose and either tie-point lists or explicit visual neighbors; the engine
// matches 2D segments pairwise along epipolar lines, scores candidates by
// 3D consistency across views, clusters the resulting affinity graph and
// fits a 3D line with collinear support intervals to each cluster.
package line3d
