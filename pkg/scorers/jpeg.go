package scorers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

const jpegQuality = 95

// JPEGScorer rewards images by their JPEG-encoded size in kilobytes. With
// rewardSmall set the reward is the negated size, so policies are pushed
// toward compressible (smoother) outputs; otherwise toward detailed ones.
type JPEGScorer struct {
	rewardSmall bool
}

func (s *JPEGScorer) RewardSize() int { return 1 }

func (s *JPEGScorer) Score(ctx context.Context, req *core.ScoreRequest) (*core.ScoreResult, error) {
	rewards := make([][]float64, len(req.Outputs))
	for i, output := range req.Outputs {
		if err := errors.CheckContext(ctx, "scoring"); err != nil {
			return nil, err
		}

		img, err := TensorImage(output)
		if err != nil {
			return nil, errors.WithFields(
				errors.Wrap(err, errors.ScoringFailed, "failed to render output"),
				errors.Fields{"index": i})
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, errors.Wrap(err, errors.ScoringFailed, "jpeg encoding failed")
		}

		kb := float64(buf.Len()) / 1000.0
		if s.rewardSmall {
			kb = -kb
		}
		rewards[i] = []float64{kb}
	}

	return &core.ScoreResult{
		Rewards:  rewards,
		Metadata: map[string]interface{}{"jpeg_quality": jpegQuality},
	}, nil
}

// TensorImage renders a tensor as an image. A [H W] tensor becomes
// grayscale, a [3 H W] tensor becomes RGB. Values are interpreted on [0,1]
// and clamped.
func TensorImage(t *core.Tensor) (image.Image, error) {
	if t == nil || len(t.Data) == 0 {
		return nil, errors.New(errors.InvalidInput, "empty tensor")
	}

	switch len(t.Shape) {
	case 2:
		h, w := t.Shape[0], t.Shape[1]
		img := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray(x, y, color.Gray{Y: toByte(t.Data[y*w+x])})
			}
		}
		return img, nil

	case 3:
		if t.Shape[0] != 3 {
			return nil, errors.Newf(errors.InvalidInput, "expected 3 channels, got %d", t.Shape[0])
		}
		h, w := t.Shape[1], t.Shape[2]
		plane := h * w
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				at := y*w + x
				img.SetRGBA(x, y, color.RGBA{
					R: toByte(t.Data[at]),
					G: toByte(t.Data[plane+at]),
					B: toByte(t.Data[2*plane+at]),
					A: 255,
				})
			}
		}
		return img, nil

	default:
		return nil, errors.Newf(errors.InvalidInput, "cannot render tensor of rank %d", len(t.Shape))
	}
}

func toByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
