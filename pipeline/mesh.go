package pipeline

import (
	"bufio"
	"fmt"
	"io"

	"github.com/unixpickle/model3d/model3d"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is a colored triangle mesh in physical-space coordinates: vertex
// positions, triangle index triples, and one RGB color per vertex.
type Mesh struct {
	Vertices []r3.Vec
	Faces    [][3]int
	Colors   [][3]float64
}

// NewMesh assembles a mesh, enforcing the structural invariants: every
// face index references a valid vertex and colors match vertices 1:1.
func NewMesh(vertices []r3.Vec, faces [][3]int, colors [][3]float64) (*Mesh, error) {
	if len(colors) != len(vertices) {
		return nil, fmt.Errorf("mesh has %d colors for %d vertices", len(colors), len(vertices))
	}
	for fi, f := range faces {
		for _, vi := range f {
			if vi < 0 || vi >= len(vertices) {
				return nil, fmt.Errorf("face %d references vertex %d of %d", fi, vi, len(vertices))
			}
		}
	}
	return &Mesh{Vertices: vertices, Faces: faces, Colors: colors}, nil
}

// ToModel3D converts to a model3d mesh for export collaborators.
func (m *Mesh) ToModel3D() *model3d.Mesh {
	out := model3d.NewMesh()
	for _, f := range m.Faces {
		var t model3d.Triangle
		for j, vi := range f {
			v := m.Vertices[vi]
			t[j] = model3d.XYZ(v.X, v.Y, v.Z)
		}
		out.Add(&t)
	}
	return out
}

// SaveSTL writes the mesh as a grouped binary STL file. STL carries no
// vertex colors; use WriteOBJ when colors matter.
func (m *Mesh) SaveSTL(path string) error {
	return m.ToModel3D().SaveGroupedSTL(path)
}

// WriteOBJ writes the mesh as a Wavefront OBJ document, with per-vertex
// colors in the common "v x y z r g b" extension.
func (m *Mesh) WriteOBJ(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, v := range m.Vertices {
		c := m.Colors[i]
		if _, err := fmt.Fprintf(bw, "v %g %g %g %g %g %g\n", v.X, v.Y, v.Z, c[0], c[1], c[2]); err != nil {
			return err
		}
	}
	for _, f := range m.Faces {
		// OBJ indices are 1-based.
		if _, err := fmt.Fprintf(bw, "f %d %d %d\n", f[0]+1, f[1]+1, f[2]+1); err != nil {
			return err
		}
	}
	return bw.Flush()
}
