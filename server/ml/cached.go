package ml

import (
	"context"
	"errors"
	"image"

	"github.com/san-kum/dental-xray/server/cache"
	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/models"
	"go.uber.org/zap"
)

// CachingSegmenter answers repeated requests for identical image content from
// a cache. Only successful results are stored.
type CachingSegmenter struct {
	next   Segmenter
	cache  cache.Cache
	logger *zap.Logger
}

func NewCachingSegmenter(next Segmenter, c cache.Cache, logger *zap.Logger) *CachingSegmenter {
	return &CachingSegmenter{next: next, cache: c, logger: logger}
}

func (s *CachingSegmenter) Segment(ctx context.Context, img image.Image, kind TaskKind) (*masks.MaskSet, error) {
	encoded, err := EncodePNG(img)
	if err != nil {
		return nil, &models.ModelError{Stage: string(kind), Err: err}
	}
	key := cache.GenerateCacheKey(encoded, []byte(kind))

	var cached *masks.MaskSet
	switch err := s.cache.Get(ctx, key, &cached); {
	case err == nil && cached != nil:
		s.logger.Debug("Segmentation cache hit", zap.String("kind", string(kind)))
		return cached, nil
	case err != nil && !errors.Is(err, cache.ErrCacheMiss):
		s.logger.Warn("Segmentation cache read failed", zap.Error(err))
	}

	set, err := s.next.Segment(ctx, img, kind)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, set); err != nil {
		s.logger.Warn("Segmentation cache write failed", zap.Error(err))
	}
	return set, nil
}
