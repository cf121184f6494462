package media

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
)

// motionGrid is the number of sample points per axis.
const motionGrid = 32

// DiffMotion returns a MotionFunc that decodes both frames and compares
// mean absolute luminance over a sampled grid. threshold is on a 0-255
// scale; undecodable or differently sized frames report motion when
// their bytes differ.
func DiffMotion(threshold float64) MotionFunc {
	return func(first, last []byte) bool {
		a, _, errA := image.Decode(bytes.NewReader(first))
		b, _, errB := image.Decode(bytes.NewReader(last))
		if errA != nil || errB != nil || a.Bounds().Size() != b.Bounds().Size() {
			return !bytes.Equal(first, last)
		}
		return meanLumaDiff(a, b) > threshold
	}
}

func meanLumaDiff(a, b image.Image) float64 {
	bounds := a.Bounds()
	bb := b.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	var total float64
	samples := 0
	for gy := 0; gy < motionGrid; gy++ {
		y := gy * h / motionGrid
		for gx := 0; gx < motionGrid; gx++ {
			x := gx * w / motionGrid
			la := luma(a, bounds.Min.X+x, bounds.Min.Y+y)
			lb := luma(b, bb.Min.X+x, bb.Min.Y+y)
			if la > lb {
				total += la - lb
			} else {
				total += lb - la
			}
			samples++
		}
	}
	return total / float64(samples)
}

func luma(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	// RGBA is 16-bit; scale to 0-255.
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257
}
