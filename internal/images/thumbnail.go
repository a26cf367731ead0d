package images

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/disintegration/imaging"
)

// ErrProcessing marks thumbnail failures so the pipeline can classify them.
var ErrProcessing = errors.New("image processing failed")

// Thumbnail scales the longer edge down to maxEdge preserving aspect ratio
// and re-encodes as JPEG. Images already inside the bounding box are never
// upscaled. Alpha is discarded by the 3-channel JPEG encode.
func Thumbnail(data []byte, maxEdge int) ([]byte, error) {
	if maxEdge <= 0 {
		maxEdge = 200
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrProcessing, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxEdge || bounds.Dy() > maxEdge {
		img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrProcessing, err)
	}
	return buf.Bytes(), nil
}
