package thumbnail

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	mcerrors "github.com/mediacache/mediacache/pkg/errors"
)

// DefaultMaxDimension is the length of the longer thumbnail side.
const DefaultMaxDimension = 300

// TargetSize scales (w, h) so the longer side equals maxDim, preserving the
// aspect ratio and rounding to the nearest pixel. Images already within
// maxDim are returned unchanged.
func TargetSize(w, h, maxDim int) (int, int) {
	if w <= 0 || h <= 0 || maxDim <= 0 {
		return 0, 0
	}
	if w <= maxDim && h <= maxDim {
		return w, h
	}
	if w >= h {
		th := int(math.Round(float64(h) * float64(maxDim) / float64(w)))
		return maxDim, max(th, 1)
	}
	tw := int(math.Round(float64(w) * float64(maxDim) / float64(h)))
	return max(tw, 1), maxDim
}

// decodeImage decodes any registered still-image format.
func decodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", mcerrors.Wrap(err, mcerrors.ErrCodeDecodeFailed, "decode image").
			WithComponent("thumbnail").WithOperation("decode")
	}
	return img, format, nil
}

// orientation returns the EXIF orientation tag of data, or 1 when absent.
func orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

func applyOrientation(img image.Image, o int) image.Image {
	switch o {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// scale resizes img per TargetSize.
func scale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	tw, th := TargetSize(b.Dx(), b.Dy(), maxDim)
	if tw == b.Dx() && th == b.Dy() {
		return img
	}
	return imaging.Resize(img, tw, th, imaging.Lanczos)
}
