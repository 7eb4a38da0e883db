package mesh

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
)

func TestHeatColor(t *testing.T) {
	if c := heatColor(NoSignal, -80); c != noSignalColor {
		t.Errorf("NoSignal = %v, want grey", c)
	}
	if c := heatColor(math.NaN(), -80); c != noSignalColor {
		t.Errorf("NaN = %v, want grey", c)
	}

	// Strongest is red, weakest is blue
	if c := heatColor(0, -80); c.R != 255 || c.B != 0 {
		t.Errorf("strongest = %v, want red", c)
	}
	if c := heatColor(-80, -80); c.B != 255 || c.R != 0 {
		t.Errorf("weakest = %v, want blue", c)
	}
	// Values outside the range are clamped
	if heatColor(-200, -80) != heatColor(-80, -80) {
		t.Error("values below the floor should clamp to the weakest color")
	}
}

func TestBlendColors(t *testing.T) {
	bg := color.RGBA{0, 0, 0, 255}
	if got := blendColors(bg, color.NRGBA{255, 255, 255, 255}); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("opaque blend = %v", got)
	}
	if got := blendColors(bg, color.NRGBA{255, 255, 255, 0}); got != bg {
		t.Errorf("transparent blend = %v", got)
	}
}

func TestRasterFrame_RoundTrip(t *testing.T) {
	r := NewRasterRenderer()
	f := r.frame(orb.Bound{Min: orb.Point{-5, -5}, Max: orb.Point{15, 10}})

	if f.width != 20*20+40 || f.height != 15*20+40 {
		t.Fatalf("frame = %dx%d", f.width, f.height)
	}

	x, y := f.toImage(orb.Point{0, 0})
	back := f.toWorld(x, y)
	if math.Abs(back[0]) > 1/f.scale || math.Abs(back[1]) > 1/f.scale {
		t.Errorf("toWorld(toImage(0,0)) = %v", back)
	}

	// y grows downward in the image
	_, yLow := f.toImage(orb.Point{0, -5})
	_, yHigh := f.toImage(orb.Point{0, 10})
	if yLow <= yHigh {
		t.Errorf("expected y flip: low=%d high=%d", yLow, yHigh)
	}
}

func TestRasterFrame_MaxSize(t *testing.T) {
	r := &RasterRenderer{Scale: 100, Padding: 10, MaxSize: 500}
	f := r.frame(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 20}})
	if f.scale >= 100 {
		t.Errorf("scale = %v, want it shrunk to fit", f.scale)
	}
	if f.width > 501 || f.height > 501 {
		t.Errorf("frame %dx%d exceeds MaxSize", f.width, f.height)
	}
}

func TestSampleLookup(t *testing.T) {
	points := []SamplePoint{
		{Index: 0, Point: orb.Point{1, 1}},
		{Index: 1, Point: orb.Point{3, 1}},
		{Index: 2, Point: orb.Point{1, 3}},
	}
	l := newSampleLookup(points, 2)

	if j, ok := l.nearest(orb.Point{2.9, 1.2}); !ok || j != 1 {
		t.Errorf("nearest(2.9,1.2) = %d, %v", j, ok)
	}
	// The lattice cell (1,1) is empty, so the neighbors decide
	if j, ok := l.nearest(orb.Point{3.1, 2.8}); !ok || (j != 1 && j != 2) {
		t.Errorf("nearest(3.1,2.8) = %d, %v", j, ok)
	}
	if _, ok := l.nearest(orb.Point{40, 40}); ok {
		t.Error("far points have no nearest sample")
	}
}

func TestRasterRenderer_Render(t *testing.T) {
	res := planFixture(t)
	r := NewRasterRenderer()
	r.ShowCoverage = true

	img := r.Render(res)
	f := r.frame(res.Floor.Bound())
	if img.Bounds().Dx() != f.width || img.Bounds().Dy() != f.height {
		t.Fatalf("image %v, frame %dx%d", img.Bounds(), f.width, f.height)
	}

	// APs are drawn in the AP color
	apPixels := 0
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			if img.RGBAAt(x, y) == apColor {
				apPixels++
			}
		}
	}
	if apPixels == 0 {
		t.Error("no AP pixels drawn")
	}

	// The padding stays background
	if got := img.RGBAAt(1, img.Bounds().Dy()-2); got != backgroundColor {
		t.Errorf("padding pixel = %v", got)
	}
}

func TestRasterRenderer_RenderFloor(t *testing.T) {
	res := planFixture(t)
	img := NewRasterRenderer().RenderFloor(res.Floor, res.Points)
	if img.Bounds().Empty() {
		t.Fatal("empty image")
	}
}

func TestRasterRenderer_PNG(t *testing.T) {
	res := planFixture(t)
	r := NewRasterRenderer()

	var buf bytes.Buffer
	if err := r.WritePNG(&buf, res); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	if _, err := png.Decode(&buf); err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}

	path := filepath.Join(t.TempDir(), "plan.png")
	if err := r.SavePNG(path, res); err != nil {
		t.Fatalf("SavePNG: %v", err)
	}
}
