package thumbnail

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	mcerrors "github.com/mediacache/mediacache/pkg/errors"
)

// Encoder turns a rendered thumbnail into bytes.
type Encoder interface {
	MimeType() string
	Encode(img image.Image, quality int) ([]byte, error)
}

type jpegEncoder struct{}

func (jpegEncoder) MimeType() string { return "image/jpeg" }

func (jpegEncoder) Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type pngEncoder struct{}

func (pngEncoder) MimeType() string { return "image/png" }

func (pngEncoder) Encode(img image.Image, _ int) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultEncoders is lossy JPEG first with lossless PNG as the fallback.
func DefaultEncoders() []Encoder {
	return []Encoder{jpegEncoder{}, pngEncoder{}}
}

type encoded struct {
	data     []byte
	mimeType string
	quality  int
}

// encodeFirst tries each encoder in order and returns the first success.
// Empty output counts as a failure.
func encodeFirst(encoders []Encoder, img image.Image, quality int) (encoded, error) {
	var lastErr error
	for _, enc := range encoders {
		data, err := enc.Encode(img, quality)
		if err == nil && len(data) > 0 {
			q := quality
			if enc.MimeType() == "image/png" {
				q = 100
			}
			return encoded{data: data, mimeType: enc.MimeType(), quality: q}, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	e := mcerrors.NewError(mcerrors.ErrCodeEncodeFailed, "no encoder produced a thumbnail").
		WithComponent("thumbnail").WithOperation("encode")
	if lastErr != nil {
		e.WithCause(lastErr)
	}
	return encoded{}, e
}
