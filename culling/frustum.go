// Package culling holds the frustum-plane extraction and sphere tests
// shared by the Cull and OcclusionRefine stages, generalized from an
// AABB-vs-frustum test to the bounding spheres a SceneCommand carries.
package culling

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// ExtractFrustumPlanes derives the six frustum planes (left, right,
// bottom, top, near, far; Ax+By+Cz+D=0, normalized, normal pointing
// inward) from a view-projection matrix.
func ExtractFrustumPlanes(vp mgl32.Mat4) [6]mgl32.Vec4 {
	var planes [6]mgl32.Vec4

	planes[0] = mgl32.Vec4{vp.At(3, 0) + vp.At(0, 0), vp.At(3, 1) + vp.At(0, 1), vp.At(3, 2) + vp.At(0, 2), vp.At(3, 3) + vp.At(0, 3)}
	planes[1] = mgl32.Vec4{vp.At(3, 0) - vp.At(0, 0), vp.At(3, 1) - vp.At(0, 1), vp.At(3, 2) - vp.At(0, 2), vp.At(3, 3) - vp.At(0, 3)}
	planes[2] = mgl32.Vec4{vp.At(3, 0) + vp.At(1, 0), vp.At(3, 1) + vp.At(1, 1), vp.At(3, 2) + vp.At(1, 2), vp.At(3, 3) + vp.At(1, 3)}
	planes[3] = mgl32.Vec4{vp.At(3, 0) - vp.At(1, 0), vp.At(3, 1) - vp.At(1, 1), vp.At(3, 2) - vp.At(1, 2), vp.At(3, 3) - vp.At(1, 3)}
	planes[4] = mgl32.Vec4{vp.At(3, 0) + vp.At(2, 0), vp.At(3, 1) + vp.At(2, 1), vp.At(3, 2) + vp.At(2, 2), vp.At(3, 3) + vp.At(2, 3)}
	planes[5] = mgl32.Vec4{vp.At(3, 0) - vp.At(2, 0), vp.At(3, 1) - vp.At(2, 1), vp.At(3, 2) - vp.At(2, 2), vp.At(3, 3) - vp.At(2, 3)}

	for i := 0; i < 6; i++ {
		l := float32(math.Sqrt(float64(planes[i][0]*planes[i][0] + planes[i][1]*planes[i][1] + planes[i][2]*planes[i][2])))
		if l > 0 {
			planes[i] = planes[i].Mul(1.0 / l)
		}
	}
	return planes
}

// SphereInFrustum reports whether a world-space bounding sphere is at
// least partially inside all six frustum planes.
func SphereInFrustum(center mgl32.Vec3, radius float32, planes [6]mgl32.Vec4) bool {
	for _, p := range planes {
		dist := p[0]*center.X() + p[1]*center.Y() + p[2]*center.Z() + p[3]
		if dist < -radius {
			return false
		}
	}
	return true
}

// TransformSphere carries a local bounding sphere into world space by
// translating its center with the full world matrix and scaling its
// radius by the matrix's largest axis scale.
func TransformSphere(localCenter mgl32.Vec3, localRadius float32, world mgl32.Mat4) (worldCenter mgl32.Vec3, worldRadius float32) {
	worldCenter = world.Mul4x1(localCenter.Vec4(1.0)).Vec3()

	sx := mgl32.Vec3{world.At(0, 0), world.At(1, 0), world.At(2, 0)}.Len()
	sy := mgl32.Vec3{world.At(0, 1), world.At(1, 1), world.At(2, 1)}.Len()
	sz := mgl32.Vec3{world.At(0, 2), world.At(1, 2), world.At(2, 2)}.Len()
	maxScale := sx
	if sy > maxScale {
		maxScale = sy
	}
	if sz > maxScale {
		maxScale = sz
	}
	worldRadius = localRadius * maxScale
	return worldCenter, worldRadius
}
