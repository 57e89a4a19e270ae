package scenestore

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/meshatlas"
)

func cubeMesh() meshatlas.Mesh {
	return meshatlas.Mesh{
		Topology:  meshatlas.TriangleList,
		Positions: []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Indices:   []uint32{0, 1, 2},
	}
}

func newTestStore(t *testing.T) (*Store, *meshatlas.Atlas) {
	t.Helper()
	ctx := config.NewGpuRenderContext()
	device := gfx.NewSoftwareDevice()
	atlas := meshatlas.New(ctx, device)
	provider := func(ref MeshRef) (meshatlas.Mesh, Sphere, bool) {
		if ref != "cube" {
			return meshatlas.Mesh{}, Sphere{}, false
		}
		return cubeMesh(), Sphere{Center: mgl32.Vec3{0, 0, 0}, Radius: 1}, true
	}
	return New(ctx, atlas, device, provider), atlas
}

func cmd(pass uint32) RenderableMeshCommand {
	return RenderableMeshCommand{
		Mesh:           "cube",
		WorldMatrix:    mgl32.Ident4(),
		Instances:      1,
		RenderPass:     pass,
		RenderDistance: 50,
	}
}

func TestAdd_RoundTripsThroughLoadedSnapshot(t *testing.T) {
	store, _ := newTestStore(t)

	indices, err := store.Add("e1", []RenderableMeshCommand{cmd(0)})
	require.NoError(t, err)
	require.Len(t, indices, 1)

	count, err := store.Swap()
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	snap := store.LoadedSnapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint32(0), snap[0].RenderPass)
}

func TestAdd_SkipsUnsupportedMeshWithoutFailingTheWholeCall(t *testing.T) {
	store, _ := newTestStore(t)
	bad := cmd(0)
	bad.Mesh = "not-a-mesh"
	indices, err := store.Add("e1", []RenderableMeshCommand{bad})
	require.NoError(t, err)
	require.Empty(t, indices)
}

func TestAdd_TruncatesAtMaxSubcommandsPerAdd(t *testing.T) {
	store, _ := newTestStore(t)
	cmds := make([]RenderableMeshCommand, MaxSubcommandsPerAdd+10)
	for i := range cmds {
		cmds[i] = cmd(0)
	}
	indices, err := store.Add("e1", cmds)
	require.NoError(t, err)
	require.Len(t, indices, MaxSubcommandsPerAdd)
}

func TestRemove_SwapRemoveRewritesMovedSlotOwner(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Add("e1", []RenderableMeshCommand{cmd(0)})
	require.NoError(t, err)
	idx2, err := store.Add("e2", []RenderableMeshCommand{cmd(0)})
	require.NoError(t, err)
	idx3, err := store.Add("e3", []RenderableMeshCommand{cmd(0)})
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, idx2)
	require.Equal(t, []uint32{2}, idx3)

	// Removing e1 (slot 0) swap-removes the last live slot (e3's slot 2)
	// into slot 0, so e3 must now resolve to slot 0.
	require.NoError(t, store.Remove("e1"))

	_, err = store.Update("e3", []RenderableMeshCommand{cmd(1)})
	require.NoError(t, err)

	count, err := store.Swap()
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)

	snap := store.LoadedSnapshot()
	require.Len(t, snap, 2)

	found := false
	for _, sc := range snap {
		if sc.RenderPass == 1 {
			found = true
			require.Equal(t, uint32(0), sc.Reserved1)
		}
	}
	require.True(t, found, "expected e3's updated command to be readable after the swap-remove rewrote its slot")
}

func TestUpdate_StructuralMismatchFallsBackToReplace(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Add("e1", []RenderableMeshCommand{cmd(0)})
	require.NoError(t, err)

	indices, err := store.Update("e1", []RenderableMeshCommand{cmd(0), cmd(0)})
	require.NoError(t, err)
	require.Len(t, indices, 2)
}

func TestDecRef_ReclaimsAtlasGeometryOnLastRemove(t *testing.T) {
	store, atlas := newTestStore(t)

	_, err := store.Add("e1", []RenderableMeshCommand{cmd(0)})
	require.NoError(t, err)
	_, _, err = atlas.RebuildIfDirty()
	require.NoError(t, err)

	meshID, _, _ := store.meshIDs.Acquire("cube")
	require.Equal(t, uint32(1), atlas.RefCount(meshID))

	require.NoError(t, store.Remove("e1"))
	require.Equal(t, uint32(0), atlas.RefCount(meshID))
	require.False(t, atlas.IsResident(meshID))
}
