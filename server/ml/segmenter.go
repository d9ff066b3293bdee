package ml

import (
	"context"
	"image"

	"github.com/san-kum/dental-xray/server/masks"
)

type TaskKind string

const (
	KindTeeth TaskKind = "teeth"
	KindCysts TaskKind = "cysts"
)

func (k TaskKind) Category() masks.Category {
	if k == KindCysts {
		return masks.CategoryCysts
	}
	return masks.CategoryTeeth
}

// Segmenter produces the labeled regions of one kind found in img. Failures
// are reported as *models.ModelError. Returned sets must be treated as
// read-only since implementations may share them between callers.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image, kind TaskKind) (*masks.MaskSet, error)
}
