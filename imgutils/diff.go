package imgutils

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

func ComputeGrayscaleAverage(img image.Image) float64 {
	bounds := img.Bounds()

	totalValue := 0.0
	numPixels := 0.0

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			grayColor := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			totalValue += float64(grayColor.Y)
			numPixels++
		}
	}

	return totalValue / numPixels
}

// MeanAbsDiff is the mean absolute per channel difference of two same sized images, in [0, 255].
func MeanAbsDiff(a, b image.Image) (float64, error) {
	ab := a.Bounds()
	bb := b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return 0, fmt.Errorf("image sizes differ %v vs %v", ab.Size(), bb.Size())
	}

	total := 0.0
	for y := 0; y < ab.Dy(); y++ {
		for x := 0; x < ab.Dx(); x++ {
			r1, g1, b1, _ := a.At(ab.Min.X+x, ab.Min.Y+y).RGBA()
			r2, g2, b2, _ := b.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			total += math.Abs(float64(r1>>8)-float64(r2>>8)) +
				math.Abs(float64(g1>>8)-float64(g2>>8)) +
				math.Abs(float64(b1>>8)-float64(b2>>8))
		}
	}

	n := float64(ab.Dx() * ab.Dy() * 3)
	if n == 0 {
		return 0, nil
	}
	return total / n, nil
}

// SideBySide puts a on the left and b on the right, top aligned, on a black background.
func SideBySide(a, b image.Image) *image.NRGBA {
	ab := a.Bounds()
	bb := b.Bounds()

	h := ab.Dy()
	if bb.Dy() > h {
		h = bb.Dy()
	}

	out := imaging.New(ab.Dx()+bb.Dx(), h, color.Black)
	out = imaging.Paste(out, a, image.Pt(0, 0))
	out = imaging.Paste(out, b, image.Pt(ab.Dx(), 0))
	return out
}
