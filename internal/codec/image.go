package codec

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/options"
)

// Images at or above this many output pixels use bilinear instead of Catmull-Rom.
const highQualityPixelLimit = 500_000

// ImageCodec decodes jpeg, png, gif, bmp, tiff and webp and writes every format except webp.
type ImageCodec struct{}

func NewImageCodec() *ImageCodec {
	return &ImageCodec{}
}

func (c *ImageCodec) Transform(ctx context.Context, req Request) error {
	if req.Options.Image == nil {
		return domain.Errorf(domain.KindUnsupported, "image codec cannot run %s", req.Options.Operation)
	}
	if err := ctx.Err(); err != nil {
		return domain.NewProcessingError(domain.KindTimeout, "image", err)
	}

	src, err := decodeImage(req.InputPath)
	if err != nil {
		return err
	}

	img := Resize(src, req.Options.Image.Width, req.Options.Image.Height)
	if req.Options.Image.Flatten {
		img = FlattenOnWhite(img)
	}

	out, err := os.Create(req.OutputPath)
	if err != nil {
		return domain.NewProcessingError(domain.KindInternal, "image", fmt.Errorf("create output: %w", err))
	}
	if err := encodeImage(out, img, req.Options.OutputFormat, *req.Options.Image); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return domain.NewProcessingError(domain.KindInternal, "image", fmt.Errorf("close output: %w", err))
	}
	return nil
}

func decodeImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, domain.NewProcessingError(domain.KindInternal, "image", fmt.Errorf("open input: %w", err))
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, domain.NewProcessingError(domain.KindInvalidInput, "image", fmt.Errorf("decode input: %w", err))
	}
	return img, nil
}

func encodeImage(w io.Writer, img image.Image, format string, opts options.ImageOptions) error {
	var err error
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		quality := opts.Quality
		if quality <= 0 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case "png":
		err = png.Encode(w, img)
	case "gif":
		err = gif.Encode(w, img, nil)
	case "bmp":
		err = bmp.Encode(w, img)
	case "tiff", "tif":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return domain.Errorf(domain.KindUnsupported, "image output format %q is not supported", format)
	}
	if err != nil {
		return domain.NewProcessingError(domain.KindToolFailure, "image", fmt.Errorf("encode %s: %w", format, err))
	}
	return nil
}

// Resize scales src to width x height. A zero side keeps the aspect ratio; two zeros return src.
func Resize(src image.Image, width, height int) image.Image {
	bounds := src.Bounds()
	if width <= 0 && height <= 0 {
		return src
	}
	if width <= 0 {
		width = max(1, bounds.Dx()*height/bounds.Dy())
	}
	if height <= 0 {
		height = max(1, bounds.Dy()*width/bounds.Dx())
	}
	if width == bounds.Dx() && height == bounds.Dy() {
		return src
	}

	var scaler draw.Interpolator = draw.CatmullRom
	if width*height >= highQualityPixelLimit {
		scaler = draw.BiLinear
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	scaler.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}

// FlattenOnWhite composites src over an opaque white background.
func FlattenOnWhite(src image.Image) image.Image {
	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	return dst
}
