package model

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeImage decodes any registered image format and reports which one it was.
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// PreprocessImage resizes img to size x size and returns a single-image batch
// of RGB values scaled to [0,1], laid out as NHWC or NCHW.
func PreprocessImage(img image.Image, size int, layout string) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid target image size %d", size)
	}
	if layout != LayoutNHWC && layout != LayoutNCHW {
		return nil, fmt.Errorf("unsupported tensor layout %q", layout)
	}

	resized := resize.Resize(uint(size), uint(size), flattenRGB(img), resize.Bicubic)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	const channels = 3
	inputData := make([]float32, channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r16, g16, b16 := straightRGB(resized.At(bounds.Min.X+x, bounds.Min.Y+y))

			r := float32(r16) / 65535.0
			g := float32(g16) / 65535.0
			b := float32(b16) / 65535.0

			pixelIndex := y*width + x
			if layout == LayoutNCHW {
				inputData[pixelIndex] = r
				inputData[plane+pixelIndex] = g
				inputData[2*plane+pixelIndex] = b
			} else {
				inputData[pixelIndex*channels] = r
				inputData[pixelIndex*channels+1] = g
				inputData[pixelIndex*channels+2] = b
			}
		}
	}

	slog.Debug("preprocessed image", "values", len(inputData), "width", width, "height", height, "layout", layout)

	return inputData, nil
}

// flattenRGB copies img into an opaque image using straight colour. It runs
// before resizing, which would otherwise premultiply transparent pixels to black.
func flattenRGB(img image.Image) *image.RGBA64 {
	bounds := img.Bounds()
	out := image.NewRGBA64(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r, g, b := straightRGB(img.At(bounds.Min.X+x, bounds.Min.Y+y))
			out.SetRGBA64(x, y, color.RGBA64{R: r, G: g, B: b, A: 0xffff})
		}
	}
	return out
}

// straightRGB drops alpha without premultiplying, so transparent pixels keep
// their colour.
func straightRGB(c color.Color) (r, g, b uint16) {
	switch p := c.(type) {
	case color.NRGBA:
		return uint16(p.R) * 0x101, uint16(p.G) * 0x101, uint16(p.B) * 0x101
	case color.NRGBA64:
		return p.R, p.G, p.B
	default:
		n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
		return n.R, n.G, n.B
	}
}
