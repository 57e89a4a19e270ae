// Package bvh builds and refits the optional GPU-resident bounding
// volume hierarchy used by package scenestore to decide, on every swap,
// between a full rebuild and a cheaper bounds-only refit.
//
// Build is a median-split recursive build over the live bounding boxes.
// Refit is for when the live command count is unchanged between swaps:
// only the node bounds are recomputed bottom-up, the split topology
// (Left/Right/LeafFirst/LeafCount) is left untouched rather than
// resorted.
package bvh

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// Node mirrors the WGSL-side BVHNode layout (64 bytes): two vec4-aligned
// bounds plus four 32-bit indices.
type Node struct {
	Min       mgl32.Vec3
	Max       mgl32.Vec3
	Left      int32
	Right     int32
	LeafFirst int32
	LeafCount int32
}

const NodeByteSize = 64

func (n *Node) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(n.Min.X()))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(n.Min.Y()))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(n.Min.Z()))
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(n.Max.X()))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(n.Max.Y()))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(n.Max.Z()))
	binary.LittleEndian.PutUint32(buf[28:32], 0)

	binary.LittleEndian.PutUint32(buf[32:36], uint32(n.Left))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(n.Right))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(n.LeafFirst))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(n.LeafCount))
}

// Tree is a built BVH, kept around so a same-count swap can Refit instead
// of rebuilding.
type Tree struct {
	Nodes     []Node
	itemCount int
}

type item struct {
	min, max mgl32.Vec3
	centroid mgl32.Vec3
	index    int
}

// Build performs a full median-split rebuild over the given AABBs.
func Build(aabbs [][2]mgl32.Vec3) *Tree {
	t := &Tree{itemCount: len(aabbs)}
	if len(aabbs) == 0 {
		t.Nodes = []Node{{Left: -1, Right: -1, LeafFirst: -1}}
		return t
	}
	items := make([]item, len(aabbs))
	for i, b := range aabbs {
		items[i] = item{min: b[0], max: b[1], centroid: b[0].Add(b[1]).Mul(0.5), index: i}
	}
	t.recursiveBuild(items)
	return t
}

func (t *Tree) recursiveBuild(items []item) int32 {
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, Node{Left: -1, Right: -1, LeafFirst: -1, LeafCount: 0})

	minB := mgl32.Vec3{float32(math.Inf(1)), float32(math.Inf(1)), float32(math.Inf(1))}
	maxB := mgl32.Vec3{float32(math.Inf(-1)), float32(math.Inf(-1)), float32(math.Inf(-1))}
	for _, it := range items {
		minB = compMin(minB, it.min)
		maxB = compMax(maxB, it.max)
	}
	t.Nodes[idx].Min = minB
	t.Nodes[idx].Max = maxB

	if len(items) == 1 {
		t.Nodes[idx].LeafFirst = int32(items[0].index)
		t.Nodes[idx].LeafCount = 1
		return idx
	}

	extent := maxB.Sub(minB)
	axis := 0
	if extent.Y() > extent.X() {
		axis = 1
	}
	if extent.Z() > extent[axis] {
		axis = 2
	}

	sort.Slice(items, func(i, j int) bool { return items[i].centroid[axis] < items[j].centroid[axis] })
	mid := len(items) / 2

	left := t.recursiveBuild(items[:mid])
	right := t.recursiveBuild(items[mid:])
	t.Nodes[idx].Left = left
	t.Nodes[idx].Right = right
	return idx
}

// Refit recomputes every node's bounds from fresh AABBs without changing
// split topology. Callers must only use Refit when the primitive count
// and identity-to-leaf assignment has not changed since Build; CanRefit
// reports whether that holds.
func (t *Tree) Refit(aabbs [][2]mgl32.Vec3) {
	if len(t.Nodes) == 0 || t.itemCount == 0 {
		return
	}
	t.refitNode(0, aabbs)
}

// CanRefit reports whether aabbs has the same cardinality this tree was
// built with, the precondition for refitting instead of rebuilding.
func (t *Tree) CanRefit(aabbs [][2]mgl32.Vec3) bool {
	return len(aabbs) == t.itemCount
}

func (t *Tree) refitNode(idx int32, aabbs [][2]mgl32.Vec3) (mgl32.Vec3, mgl32.Vec3) {
	n := &t.Nodes[idx]
	if n.LeafCount == 1 {
		n.Min = aabbs[n.LeafFirst][0]
		n.Max = aabbs[n.LeafFirst][1]
		return n.Min, n.Max
	}
	lMin, lMax := t.refitNode(n.Left, aabbs)
	rMin, rMax := t.refitNode(n.Right, aabbs)
	n.Min = compMin(lMin, rMin)
	n.Max = compMax(lMax, rMax)
	return n.Min, n.Max
}

// Bytes packs the tree's nodes into the 64-byte-per-node wire layout.
func (t *Tree) Bytes() []byte {
	out := make([]byte, len(t.Nodes)*NodeByteSize)
	for i := range t.Nodes {
		t.Nodes[i].encode(out[i*NodeByteSize : (i+1)*NodeByteSize])
	}
	return out
}

func compMin(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{min32(a.X(), b.X()), min32(a.Y(), b.Y()), min32(a.Z(), b.Z())}
}
func compMax(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{max32(a.X(), b.X()), max32(a.Y(), b.Y()), max32(a.Z(), b.Z())}
}
func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
