package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	backgroundColor = color.RGBA{240, 240, 240, 255}
	holeColor       = color.RGBA{255, 255, 255, 255}
	wallColor       = color.RGBA{0, 0, 0, 255}
	sampleColor     = color.RGBA{0, 0, 0, 255}
	apColor         = color.RGBA{0, 160, 0, 255}
	noSignalColor   = color.RGBA{190, 190, 190, 255}
	floorColor      = color.RGBA{220, 228, 240, 255}
)

// CoverageColors are cycled over the APs when the coverage overlay is drawn
func CoverageColors() []color.NRGBA {
	return []color.NRGBA{
		{255, 0, 0, 180},   // Red
		{0, 0, 255, 180},   // Blue
		{255, 215, 0, 180}, // Gold
		{255, 140, 0, 180}, // Orange
	}
}

// heatColor maps an intensity in [floor, 0] dB onto a blue-to-red ramp.
// NoSignal maps to grey.
func heatColor(v, floor float64) color.RGBA {
	if math.IsInf(v, -1) || math.IsNaN(v) {
		return noSignalColor
	}
	t := 1.0
	if floor < 0 {
		t = 1 - v/floor
	}
	t = math.Max(0, math.Min(1, t))

	// Piecewise ramp: blue, cyan, green, yellow, red
	var r, g, b float64
	switch {
	case t < 0.25:
		r, g, b = 0, t/0.25, 1
	case t < 0.5:
		r, g, b = 0, 1, 1-(t-0.25)/0.25
	case t < 0.75:
		r, g, b = (t-0.5)/0.25, 1, 0
	default:
		r, g, b = 1, 1-(t-0.75)/0.25, 0
	}
	return color.RGBA{uint8(r * 255), uint8(g * 255), uint8(b * 255), 255}
}

// RasterRenderer draws a plan into an RGBA image: the floor, a
// nearest-sample heatmap, the walls, the samples and the APs.
type RasterRenderer struct {
	Scale        float64 // Pixels per meter
	Padding      int     // Padding around the image in pixels
	MaxSize      int     // Largest width or height in pixels
	ShowSamples  bool
	ShowCoverage bool // Colour each AP's covered samples
}

// NewRasterRenderer creates a raster renderer with default settings
func NewRasterRenderer() *RasterRenderer {
	return &RasterRenderer{
		Scale:       20,
		Padding:     20,
		MaxSize:     4000,
		ShowSamples: true,
	}
}

// rasterFrame maps planar meters to pixel coordinates, y pointing down
type rasterFrame struct {
	bound   orb.Bound
	scale   float64
	padding int
	width   int
	height  int
}

func (r *RasterRenderer) frame(b orb.Bound) rasterFrame {
	scale := r.Scale
	if scale <= 0 {
		scale = 20
	}
	w, h := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	if r.MaxSize > 0 {
		if limit := float64(r.MaxSize - 2*r.Padding); limit > 0 {
			if w*scale > limit {
				scale = limit / w
			}
			if h*scale > limit {
				scale = limit / h
			}
		}
	}

	f := rasterFrame{
		bound:   b,
		scale:   scale,
		padding: r.Padding,
		width:   int(math.Ceil(w*scale)) + 2*r.Padding,
		height:  int(math.Ceil(h*scale)) + 2*r.Padding,
	}
	// Ensure positive, reasonable dimensions for empty bounds
	if f.width <= 0 {
		f.width = 2*r.Padding + 1
	}
	if f.height <= 0 {
		f.height = 2*r.Padding + 1
	}
	return f
}

func (f rasterFrame) toImage(p orb.Point) (int, int) {
	x := int((p[0]-f.bound.Min[0])*f.scale) + f.padding
	y := f.height - 1 - (int((p[1]-f.bound.Min[1])*f.scale) + f.padding)
	return x, y
}

func (f rasterFrame) toWorld(x, y int) orb.Point {
	return orb.Point{
		(float64(x-f.padding)+0.5)/f.scale + f.bound.Min[0],
		(float64(f.height-1-y-f.padding)+0.5)/f.scale + f.bound.Min[1],
	}
}

// RenderFloor draws the floor outline and sample grid without a plan
func (r *RasterRenderer) RenderFloor(floor *FloorPolygon, points []SamplePoint) *image.RGBA {
	f := r.frame(floor.Bound())
	img := newFilledImage(f.width, f.height, backgroundColor)

	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			if planar.MultiPolygonContains(floor.Regions, f.toWorld(x, y)) {
				img.SetRGBA(x, y, floorColor)
			}
		}
	}
	r.drawHoles(img, f, floor)
	r.drawWalls(img, f, floor)
	for _, s := range points {
		x, y := f.toImage(s.Point)
		drawCircle(img, x, y, 1, sampleColor)
	}
	drawText(img, 8, 16, fmt.Sprintf("%d samples, %.1f m2", len(points), floor.Area()), wallColor)
	return img
}

// Render draws a finished plan
func (r *RasterRenderer) Render(res *PlanResult) *image.RGBA {
	floor := res.Floor
	f := r.frame(floor.Bound())
	img := newFilledImage(f.width, f.height, backgroundColor)

	weakest, ok := res.Intensity.Min()
	if !ok {
		weakest = -1
	}

	lookup := newSampleLookup(res.Points, res.Request.GridResolution)
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			p := f.toWorld(x, y)
			if !planar.MultiPolygonContains(floor.Regions, p) {
				continue
			}
			if j, found := lookup.nearest(p); found && j < len(res.Intensity) {
				img.SetRGBA(x, y, heatColor(res.Intensity[j], weakest))
			} else {
				img.SetRGBA(x, y, floorColor)
			}
		}
	}
	r.drawHoles(img, f, floor)
	r.drawWalls(img, f, floor)

	if r.ShowSamples {
		for _, s := range res.Points {
			x, y := f.toImage(s.Point)
			drawCircle(img, x, y, 1, sampleColor)
		}
	}

	if r.ShowCoverage {
		palette := CoverageColors()
		covers := res.CoverageOf()
		for k, ap := range res.Selection.Indices() {
			c := palette[k%len(palette)]
			for _, j := range covers[ap] {
				x, y := f.toImage(res.Points[j].Point)
				drawCircle(img, x, y, 2, blendColors(img.RGBAAt(x, y), c))
			}
		}
	}

	for _, ap := range res.APs() {
		x, y := f.toImage(ap.Point)
		drawCircle(img, x, y, 6, wallColor)
		drawCircle(img, x, y, 5, apColor)
	}

	r.drawLegend(img, res, weakest)
	return img
}

// WritePNG renders the plan and encodes it as PNG
func (r *RasterRenderer) WritePNG(w io.Writer, res *PlanResult) error {
	return png.Encode(w, r.Render(res))
}

// SavePNG saves the rendered plan to a file
func (r *RasterRenderer) SavePNG(path string, res *PlanResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.WritePNG(f, res)
}

func (r *RasterRenderer) drawHoles(img *image.RGBA, f rasterFrame, floor *FloorPolygon) {
	for _, h := range floor.Holes {
		b := h.Bound()
		x0, y1 := f.toImage(b.Min)
		x1, y0 := f.toImage(b.Max)
		for y := max(y0, 0); y <= min(y1, f.height-1); y++ {
			for x := max(x0, 0); x <= min(x1, f.width-1); x++ {
				if planar.RingContains(h, f.toWorld(x, y)) {
					img.SetRGBA(x, y, holeColor)
				}
			}
		}
	}
}

func (r *RasterRenderer) drawWalls(img *image.RGBA, f rasterFrame, floor *FloorPolygon) {
	for _, ring := range floor.Walls {
		for i := 0; i < len(ring)-1; i++ {
			x0, y0 := f.toImage(ring[i])
			x1, y1 := f.toImage(ring[i+1])
			drawLine(img, x0, y0, x1, y1, wallColor)
		}
	}
}

// drawLegend adds the AP count and the intensity scale in the top-left corner
func (r *RasterRenderer) drawLegend(img *image.RGBA, res *PlanResult, weakest float64) {
	drawText(img, 8, 16, fmt.Sprintf("%d APs, %d samples", res.Selection.Count(), len(res.Points)), wallColor)

	// Color bar, strongest on the left
	const barWidth, barHeight = 120, 10
	for dx := 0; dx < barWidth; dx++ {
		c := heatColor(weakest*float64(dx)/float64(barWidth-1), weakest)
		for dy := 0; dy < barHeight; dy++ {
			if 8+dx < img.Bounds().Max.X && 22+dy < img.Bounds().Max.Y {
				img.SetRGBA(8+dx, 22+dy, c)
			}
		}
	}
	drawText(img, 8, 46, fmt.Sprintf("0 .. %.0f dB", weakest), wallColor)
}

// sampleLookup finds the sample nearest to a point through the lattice
type sampleLookup struct {
	origin orb.Point
	step   float64
	cells  map[[2]int]int
	points []SamplePoint
}

func newSampleLookup(points []SamplePoint, step float64) *sampleLookup {
	l := &sampleLookup{step: step, cells: make(map[[2]int]int, len(points)), points: points}
	if len(points) == 0 || step <= 0 {
		return l
	}
	l.origin = points[0].Point
	for _, s := range points {
		l.cells[l.cell(s.Point)] = s.Index
	}
	return l
}

func (l *sampleLookup) cell(p orb.Point) [2]int {
	return [2]int{
		int(math.Round((p[0] - l.origin[0]) / l.step)),
		int(math.Round((p[1] - l.origin[1]) / l.step)),
	}
}

func (l *sampleLookup) nearest(p orb.Point) (int, bool) {
	if l.step <= 0 {
		return 0, false
	}
	c := l.cell(p)
	if j, ok := l.cells[c]; ok {
		return j, true
	}
	best, bestD := -1, math.Inf(1)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			j, ok := l.cells[[2]int{c[0] + dx, c[1] + dy}]
			if !ok {
				continue
			}
			if d := planar.DistanceSquared(p, l.points[j].Point); d < bestD {
				best, bestD = j, d
			}
		}
	}
	return best, best >= 0
}

func newFilledImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// blendColors performs alpha blending of two colors
func blendColors(bg color.RGBA, fg color.NRGBA) color.RGBA {
	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.RGBA{
		R: uint8(float64(fg.R)*alpha + float64(bg.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bg.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bg.B)*invAlpha),
		A: 255,
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.SetRGBA(x, y, c)
				}
			}
		}
	}
}

// drawLine draws a one pixel line with Bresenham's algorithm
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	bounds := img.Bounds()
	e := dx + dy
	for {
		if image.Pt(x0, y0).In(bounds) {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
