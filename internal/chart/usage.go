// Package chart renders a customer's monthly usage and forecast as a PNG.
package chart

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/lox/meterwatch/internal/models"
)

const (
	Width  = 1200
	Height = 630

	marginLeft   = 80
	marginRight  = 40
	marginTop    = 70
	marginBottom = 60

	// maxBars keeps labels legible; older months are dropped first.
	maxBars = 24
)

var (
	background = color.RGBA{20, 20, 40, 255}
	axisColor  = color.RGBA{120, 120, 140, 255}
	textColor  = color.RGBA{220, 220, 220, 255}
	barColor   = color.RGBA{70, 130, 200, 255}
	fcColor    = color.RGBA{240, 170, 60, 255}
	bandColor  = color.RGBA{240, 170, 60, 110}
)

// Data is what gets drawn. Forecast may be nil.
type Data struct {
	Title    string
	Series   models.Series
	Forecast *models.ForecastResult
}

// Render draws history as bars and the forecast as a highlighted bar with
// its prediction interval.
func Render(d Data) ([]byte, error) {
	if len(d.Series) == 0 {
		return nil, fmt.Errorf("nothing to chart")
	}

	hist := d.Series
	if len(hist) > maxBars {
		hist = hist[len(hist)-maxBars:]
	}

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	drawBackground(img)

	top := 0.0
	for _, p := range hist {
		top = math.Max(top, p.Usage)
	}
	if d.Forecast != nil {
		top = math.Max(top, d.Forecast.UpperBound)
	}
	top = niceCeil(top)

	slots := len(hist)
	if d.Forecast != nil {
		slots++
	}
	plotW := Width - marginLeft - marginRight
	plotH := Height - marginTop - marginBottom
	slotW := plotW / slots
	barW := max(slotW*3/5, 2)

	y := func(v float64) int {
		if v < 0 {
			v = 0
		}
		return Height - marginBottom - int(v/top*float64(plotH))
	}

	drawAxes(img, top, y)

	labelEvery := max(1, slots/12)
	for i, p := range hist {
		x0 := marginLeft + i*slotW + (slotW-barW)/2
		fillRect(img, x0, y(p.Usage), x0+barW, y(0), barColor)
		if i%labelEvery == 0 {
			drawText(img, p.Period.Format("Jan 06"), x0, Height-marginBottom+20, textColor)
		}
	}

	if f := d.Forecast; f != nil {
		x0 := marginLeft + len(hist)*slotW + (slotW-barW)/2
		fillRect(img, x0, y(f.UpperBound), x0+barW, y(f.LowerBound), bandColor)
		fillRect(img, x0+barW/4, y(f.PointEstimate), x0+barW*3/4, y(0), fcColor)
		drawText(img, f.TargetPeriod.Format("Jan 06"), x0, Height-marginBottom+20, fcColor)
		drawText(img, fmt.Sprintf("%.0f kWh", f.PointEstimate), x0, y(f.UpperBound)-8, fcColor)
	}

	if d.Title != "" {
		drawText(img, d.Title, marginLeft, marginTop-30, textColor)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode chart: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBackground(img *image.RGBA) {
	for y := 0; y < Height; y++ {
		progress := float64(y) / float64(Height)
		c := color.RGBA{
			R: background.R + uint8(progress*10),
			G: background.G + uint8(progress*15),
			B: background.B + uint8(progress*20),
			A: 255,
		}
		for x := 0; x < Width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func drawAxes(img *image.RGBA, top float64, y func(float64) int) {
	fillRect(img, marginLeft-2, marginTop, marginLeft, Height-marginBottom, axisColor)
	fillRect(img, marginLeft, Height-marginBottom, Width-marginRight, Height-marginBottom+2, axisColor)

	for i := 0; i <= 4; i++ {
		v := top * float64(i) / 4
		yy := y(v)
		fillRect(img, marginLeft-6, yy, marginLeft-2, yy+1, axisColor)
		drawText(img, fmt.Sprintf("%.0f", v), 10, yy+4, textColor)
	}
}

// fillRect blends col over the half-open rectangle [x0,x1) x [y0,y1).
func fillRect(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	r := image.Rect(x0, y0, x1, y1).Intersect(img.Bounds())
	alpha := float64(col.A) / 255
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if col.A == 255 {
				img.SetRGBA(x, y, col)
				continue
			}
			orig := img.RGBAAt(x, y)
			orig.R = uint8(float64(orig.R)*(1-alpha) + float64(col.R)*alpha)
			orig.G = uint8(float64(orig.G)*(1-alpha) + float64(col.G)*alpha)
			orig.B = uint8(float64(orig.B)*(1-alpha) + float64(col.B)*alpha)
			img.SetRGBA(x, y, orig)
		}
	}
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// niceCeil rounds v up to 1, 2 or 5 times a power of ten.
func niceCeil(v float64) float64 {
	if v <= 0 {
		return 1
	}
	exp := math.Pow(10, math.Floor(math.Log10(v)))
	for _, m := range []float64{1, 2, 5, 10} {
		if v <= m*exp {
			return m * exp
		}
	}
	return 10 * exp
}
