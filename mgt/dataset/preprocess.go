package dataset

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand/v2"
	"os"

	exiflib "github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
)

// Preprocessor turns an image file into the model's pixel tensor: decode,
// EXIF orientation, shorter-side resize, square crop, optional horizontal
// flip, NCHW float32 in [0, 1].
type Preprocessor struct {
	resolution int
	centerCrop bool
	randomFlip bool
}

// NewPreprocessor creates a preprocessor for the given output resolution.
func NewPreprocessor(resolution int, centerCrop, randomFlip bool) *Preprocessor {
	return &Preprocessor{
		resolution: resolution,
		centerCrop: centerCrop,
		randomFlip: randomFlip,
	}
}

// Resolution returns the square output size in pixels.
func (p *Preprocessor) Resolution() int { return p.resolution }

// Load reads and preprocesses one image. A nil rng selects the deterministic
// evaluation path: center crop and no flip regardless of configuration.
func (p *Preprocessor) Load(path string, rng *rand.Rand) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	img = applyOrientation(img, readOrientation(raw))

	resized := p.resizeShorterSide(img)
	cropped := p.crop(resized, rng)

	flip := p.randomFlip && rng != nil && rng.IntN(2) == 1
	return p.toTensor(cropped, flip), nil
}

// readOrientation extracts the EXIF orientation tag, defaulting to 1
// (upright) for non-JPEG inputs or images without EXIF data.
func readOrientation(raw []byte) int {
	x, err := exiflib.Decode(bytes.NewReader(raw))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exiflib.Orientation)
	if err != nil {
		return 1
	}
	orientation, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return orientation
}

// applyOrientation maps pixels according to the EXIF orientation values 2-8.
func applyOrientation(img image.Image, orientation int) image.Image {
	if orientation <= 1 || orientation > 8 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ow, oh := w, h
	if orientation >= 5 {
		ow, oh = h, w
	}
	out := image.NewRGBA(image.Rect(0, 0, ow, oh))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch orientation {
			case 2:
				dx, dy = w-1-x, y
			case 3:
				dx, dy = w-1-x, h-1-y
			case 4:
				dx, dy = x, h-1-y
			case 5:
				dx, dy = y, x
			case 6:
				dx, dy = h-1-y, x
			case 7:
				dx, dy = h-1-y, w-1-x
			case 8:
				dx, dy = y, w-1-x
			}
			out.Set(dx, dy, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

// resizeShorterSide scales the image so its shorter side equals the target
// resolution, using high-quality bicubic interpolation.
func (p *Preprocessor) resizeShorterSide(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := float64(p.resolution) / float64(min(w, h))

	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < p.resolution {
		nw = p.resolution
	}
	if nh < p.resolution {
		nh = p.resolution
	}

	resized := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)
	return resized
}

// crop extracts a resolution-sized square, centered or at a random offset.
func (p *Preprocessor) crop(img image.Image, rng *rand.Rand) image.Image {
	b := img.Bounds()
	maxX := b.Dx() - p.resolution
	maxY := b.Dy() - p.resolution

	var x0, y0 int
	if p.centerCrop || rng == nil {
		x0, y0 = maxX/2, maxY/2
	} else {
		if maxX > 0 {
			x0 = rng.IntN(maxX + 1)
		}
		if maxY > 0 {
			y0 = rng.IntN(maxY + 1)
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, p.resolution, p.resolution))
	draw.Draw(out, out.Bounds(), img, image.Pt(b.Min.X+x0, b.Min.Y+y0), draw.Src)
	return out
}

// toTensor converts to a flat NCHW float32 buffer with values in [0, 1].
func (p *Preprocessor) toTensor(img image.Image, flip bool) []float32 {
	b := img.Bounds()
	res := p.resolution
	plane := res * res
	data := make([]float32, 3*plane)

	for y := 0; y < res; y++ {
		for x := 0; x < res; x++ {
			sx := x
			if flip {
				sx = res - 1 - x
			}
			r, g, bl, _ := img.At(b.Min.X+sx, b.Min.Y+y).RGBA()
			data[y*res+x] = float32(r>>8) / 255.0
			data[plane+y*res+x] = float32(g>>8) / 255.0
			data[2*plane+y*res+x] = float32(bl>>8) / 255.0
		}
	}
	return data
}
