// Package thumbnail decodes images and renders bounded-size JPEG renditions.
package thumbnail

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/gift"
	_ "golang.org/x/image/webp"
)

// MaxPixels guards decoding against decompression bombs.
const MaxPixels = 50_000_000

var (
	ErrDecode = errors.New("decode image")
	ErrEncode = errors.New("encode image")
)

type Result struct {
	Data   []byte
	Width  int
	Height int
}

// Dimensions reads the image header without decoding pixel data.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return cfg.Width, cfg.Height, nil
}

// Fit scales width x height to fit inside a maxSize square, keeping the aspect
// ratio. Images already inside the square are returned unchanged.
func Fit(width, height, maxSize int) (int, int) {
	if width <= maxSize && height <= maxSize {
		return width, height
	}
	if width >= height {
		h := int(float64(height)*float64(maxSize)/float64(width) + 0.5)
		return maxSize, max(1, h)
	}
	w := int(float64(width)*float64(maxSize)/float64(height) + 0.5)
	return max(1, w), maxSize
}

// Generate decodes data and produces a JPEG no larger than maxSize on either
// side. Transparent areas are flattened onto white.
func Generate(data []byte, maxSize, quality int) (Result, error) {
	width, height, err := Dimensions(data)
	if err != nil {
		return Result{}, err
	}
	if width <= 0 || height <= 0 || width*height > MaxPixels {
		return Result{}, fmt.Errorf("%w: unsupported dimensions %dx%d", ErrDecode, width, height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	w, h := Fit(src.Bounds().Dx(), src.Bounds().Dy(), maxSize)
	g := gift.New(gift.Resize(w, h, gift.LanczosResampling))
	resized := image.NewNRGBA(g.Bounds(src.Bounds()))
	g.Draw(resized, src)

	canvas := image.NewRGBA(resized.Bounds())
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), resized, resized.Bounds().Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	return Result{
		Data:   buf.Bytes(),
		Width:  canvas.Bounds().Dx(),
		Height: canvas.Bounds().Dy(),
	}, nil
}
