package mesh

import (
	"image/color"
	"image/png"
	"io"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// VectorRenderer renders a plan as vector graphics. Canvas units are
// millimeters; one planar meter maps to Scale millimeters.
type VectorRenderer struct {
	Scale        float64           // Canvas millimeters per meter
	Padding      float64           // Padding in meters
	Resolution   canvas.Resolution // Resolution for PNG output (default: 300 DPI)
	GridSpacing  float64           // Reference grid spacing in meters; 0 disables
	ShowCoverage bool
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer() *VectorRenderer {
	return &VectorRenderer{
		Scale:       10,
		Padding:     1,
		Resolution:  canvas.DPI(300),
		GridSpacing: 5,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *VectorRenderer) size(b orb.Bound) (float64, float64) {
	width := (b.Max[0] - b.Min[0] + 2*r.Padding) * r.Scale
	height := (b.Max[1] - b.Min[1] + 2*r.Padding) * r.Scale
	return width, height
}

// RenderToSVG writes the plan as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer, res *PlanResult) error {
	width, height := r.size(res.Floor.Bound())

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, res, width, height)

	// Close SVG renderer to write closing tags
	return svgRenderer.Close()
}

// RenderToPNG writes the plan as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer, res *PlanResult) error {
	width, height := r.size(res.Floor.Bound())

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, res, width, height)

	// Rasterizer implements draw.Image interface, which embeds image.Image
	return png.Encode(w, rast)
}

// renderToCanvas draws the plan (shared logic for SVG and PNG)
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, res *PlanResult, width, height float64) {
	floor := res.Floor
	b := floor.Bound()

	toCanvas := func(p orb.Point) (float64, float64) {
		return (p[0] - b.Min[0] + r.Padding) * r.Scale, (p[1] - b.Min[1] + r.Padding) * r.Scale
	}
	ringPath := func(ring orb.Ring) *canvas.Path {
		cp := &canvas.Path{}
		for i, pt := range ring {
			x, y := toCanvas(pt)
			if i == 0 {
				cp.MoveTo(x, y)
			} else {
				cp.LineTo(x, y)
			}
		}
		cp.Close()
		return cp
	}

	// 1. White background
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// 2. Floor regions
	floorStyle := canvas.DefaultStyle
	floorStyle.Fill = canvas.Paint{Color: floorColor}
	floorStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, poly := range floor.Regions {
		renderer.RenderPath(ringPath(poly[0]), floorStyle, canvas.Identity)
	}

	// 3. Heat cells, one square per sample
	weakest, ok := res.Intensity.Min()
	if !ok {
		weakest = -1
	}
	cell := res.Request.GridResolution * r.Scale
	cellStyle := canvas.DefaultStyle
	cellStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, s := range res.Points {
		if s.Index >= len(res.Intensity) {
			continue
		}
		cellStyle.Fill = canvas.Paint{Color: heatColor(res.Intensity[s.Index], weakest)}
		x, y := toCanvas(s.Point)
		renderer.RenderPath(canvas.Rectangle(cell, cell).Translate(x-cell/2, y-cell/2), cellStyle, canvas.Identity)
	}

	// 4. Holes back to white
	holeStyle := canvas.DefaultStyle
	holeStyle.Fill = canvas.Paint{Color: canvas.White}
	holeStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, poly := range floor.Regions {
		for _, h := range poly[1:] {
			renderer.RenderPath(ringPath(h), holeStyle, canvas.Identity)
		}
	}
	for _, h := range floor.Holes {
		renderer.RenderPath(ringPath(h), holeStyle, canvas.Identity)
	}

	// 5. Reference grid
	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		for x := b.Min[0]; x <= b.Max[0]; x += r.GridSpacing {
			x1, y1 := toCanvas(orb.Point{x, b.Min[1]})
			x2, y2 := toCanvas(orb.Point{x, b.Max[1]})
			gridPath := &canvas.Path{}
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := b.Min[1]; y <= b.Max[1]; y += r.GridSpacing {
			x1, y1 := toCanvas(orb.Point{b.Min[0], y})
			x2, y2 := toCanvas(orb.Point{b.Max[0], y})
			gridPath := &canvas.Path{}
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// 6. Walls (stroked)
	wallStyle := canvas.DefaultStyle
	wallStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	wallStyle.Stroke = canvas.Paint{Color: canvas.Black}
	wallStyle.StrokeWidth = 0.5
	for _, ring := range floor.Walls {
		renderer.RenderPath(ringPath(ring), wallStyle, canvas.Identity)
	}

	// 7. Coverage overlay
	if r.ShowCoverage {
		palette := CoverageColors()
		covers := res.CoverageOf()
		for k, ap := range res.Selection.Indices() {
			dotStyle := canvas.DefaultStyle
			dotStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(palette[k%len(palette)])}
			dotStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
			for _, j := range covers[ap] {
				x, y := toCanvas(res.Points[j].Point)
				renderer.RenderPath(canvas.Circle(0.15*r.Scale).Translate(x, y), dotStyle, canvas.Identity)
			}
		}
	}

	// 8. Access points
	apStyle := canvas.DefaultStyle
	apStyle.Fill = canvas.Paint{Color: apColor}
	apStyle.Stroke = canvas.Paint{Color: canvas.Black}
	apStyle.StrokeWidth = 0.3
	for _, ap := range res.APs() {
		x, y := toCanvas(ap.Point)
		renderer.RenderPath(canvas.Circle(0.3*r.Scale).Translate(x, y), apStyle, canvas.Identity)
	}
}
