// Command indirectdemo exercises the indirect rendering core end to end
// against the software device: add a triangle, cull it against a camera
// that can see it and one that can't, swap, build batches, and submit.
package main

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/meshatlas"
	"github.com/BlackJaxDev/xrengine-indirect/renderpass"
	"github.com/BlackJaxDev/xrengine-indirect/scenestore"
)

type entity int

func triangleMesh() meshatlas.Mesh {
	return meshatlas.Mesh{
		Topology: meshatlas.TriangleList,
		Positions: []mgl32.Vec3{
			{-0.5, -0.5, 0}, {0.5, -0.5, 0}, {0, 0.5, 0},
		},
		Normals: []mgl32.Vec3{
			{0, 0, 1}, {0, 0, 1}, {0, 0, 1},
		},
		Tangents: []mgl32.Vec4{
			{1, 0, 0, 1}, {1, 0, 0, 1}, {1, 0, 0, 1},
		},
		UV0:     []mgl32.Vec2{{0, 0}, {1, 0}, {0.5, 1}},
		Indices: []uint32{0, 1, 2},
	}
}

func main() {
	ctx := config.NewGpuRenderContext()
	device := gfx.NewSoftwareDevice()
	atlas := meshatlas.New(ctx, device)

	geometryProvider := func(ref scenestore.MeshRef) (meshatlas.Mesh, scenestore.Sphere, bool) {
		if ref != "triangle" {
			return meshatlas.Mesh{}, scenestore.Sphere{}, false
		}
		return triangleMesh(), scenestore.Sphere{Center: mgl32.Vec3{0, 0, 0}, Radius: 0.75}, true
	}

	store := scenestore.New(ctx, atlas, device, geometryProvider)

	const mainPass = uint32(0)

	ent := entity(1)
	_, err := store.Add(ent, []scenestore.RenderableMeshCommand{
		{
			Mesh:           "triangle",
			WorldMatrix:    mgl32.Translate3D(0, 0, -5),
			Instances:      1,
			RenderPass:     mainPass,
			RenderDistance: 100,
			Layer:          0,
			CastsShadow:    true,
		},
	})
	if err != nil {
		fmt.Println("add failed:", err)
		return
	}

	atlas.RebuildIfDirty()

	if _, err := store.Swap(); err != nil {
		fmt.Println("swap failed:", err)
		return
	}

	pass := renderpass.New(ctx, device, atlas, store, mainPass, 0xFFFFFFFF)
	if err := pass.PreRenderInitialize(config.MinCommandCount); err != nil {
		fmt.Println("init failed:", err)
		return
	}

	visibleCamera := renderpass.Camera{
		WorldMatrix:      mgl32.Ident4(),
		ProjectionMatrix: mgl32.Perspective(mgl32.DegToRad(60), 16.0 / 9.0, 0.1, 1000),
		Near:             0.1,
		Far:              1000,
	}

	runFrame(pass, store, visibleCamera, "camera facing the triangle")

	behindCamera := renderpass.Camera{
		WorldMatrix:      mgl32.Translate3D(0, 0, -20),
		ProjectionMatrix: visibleCamera.ProjectionMatrix,
		Near:             0.1,
		Far:              1000,
	}
	runFrame(pass, store, behindCamera, "camera facing away from the triangle")

	if err := store.Remove(ent); err != nil {
		fmt.Println("remove failed:", err)
		return
	}
	if _, err := store.Swap(); err != nil {
		fmt.Println("swap after remove failed:", err)
		return
	}
	runFrame(pass, store, visibleCamera, "after removal")
}

func runFrame(pass *renderpass.RenderPass, store *scenestore.Store, camera renderpass.Camera, label string) {
	if err := pass.Reset(); err != nil {
		fmt.Println("reset failed:", err)
		return
	}
	if err := pass.Cull(camera, store.TotalCommandCount()); err != nil {
		fmt.Println("cull failed:", err)
		return
	}
	keys, err := pass.BuildKeys()
	if err != nil {
		fmt.Println("build keys failed:", err)
		return
	}
	commands, err := pass.ActiveCommands()
	if err != nil {
		fmt.Println("active commands failed:", err)
		return
	}
	ranges, err := pass.BuildBatches(keys, commands, true, false)
	if err != nil {
		fmt.Println("build batches failed:", err)
		return
	}
	if err := pass.Submit(ranges, nil); err != nil {
		fmt.Println("submit failed:", err)
		return
	}
	drawCount, _ := pass.DrawCount()
	fmt.Printf("%s: drawn=%d stats=%+v\n", label, drawCount, pass.Stats())
}
