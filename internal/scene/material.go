package scene

// Shader names understood by scene implementations.
const (
	ShaderUnlit = "defaultUnlit"
	ShaderLit   = "defaultLit"
)

// Material controls how a geometry is drawn.
type Material struct {
	Shader    string
	PointSize float64
	BaseColor Color
}

// DefaultMaterial returns the material used for a geometry kind when the
// caller does not provide one.
func DefaultMaterial(k Kind) Material {
	if k == KindMesh {
		return Material{Shader: ShaderLit, PointSize: 1, BaseColor: Color{1, 1, 1}}
	}
	return Material{Shader: ShaderUnlit, PointSize: 3, BaseColor: Color{1, 1, 1}}
}

// tab20 is the matplotlib qualitative palette, used to colour actors.
var tab20 = [...]Color{
	{0.122, 0.467, 0.706}, {0.682, 0.780, 0.910},
	{1.000, 0.498, 0.055}, {1.000, 0.733, 0.471},
	{0.173, 0.627, 0.173}, {0.596, 0.875, 0.541},
	{0.839, 0.153, 0.157}, {1.000, 0.596, 0.588},
	{0.580, 0.404, 0.741}, {0.773, 0.690, 0.835},
	{0.549, 0.337, 0.294}, {0.769, 0.612, 0.580},
	{0.890, 0.467, 0.761}, {0.969, 0.714, 0.824},
	{0.498, 0.498, 0.498}, {0.780, 0.780, 0.780},
	{0.737, 0.741, 0.133}, {0.859, 0.859, 0.553},
	{0.090, 0.745, 0.812}, {0.620, 0.855, 0.898},
}

// Tab20 returns palette colour i, wrapping around.
func Tab20(i int) Color {
	n := len(tab20)
	return tab20[((i%n)+n)%n]
}

// Standard actor colours.
var (
	PointColor     = Tab20(1)
	FirstColor     = Tab20(3)
	SecondColor    = Tab20(5)
	PredictedColor = Tab20(7)
	SceneColor     = Tab20(15)
)
