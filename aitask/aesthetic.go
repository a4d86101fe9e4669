package aitask

import (
	"context"
	"fmt"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/types"
)

// aestheticProcessor scores one image 0..10 with a vision model.
type aestheticProcessor struct {
	env *Env
}

func (p *aestheticProcessor) Kind() types.TaskKind { return types.TaskAestheticScore }

func (p *aestheticProcessor) Capability() string { return config.CapAesthetic }

// FindPending selects live images that were never scored.
func (p *aestheticProcessor) FindPending(ctx context.Context, _ string, limit int) ([]int64, error) {
	var ids []int64
	err := p.env.DB.WithContext(ctx).Model(&types.Image{}).
		Where("trashed_at IS NULL AND aesthetic_score IS NULL").
		Order("id").Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find unscored images: %w", err)
	}
	return ids, nil
}

func (p *aestheticProcessor) Process(ctx context.Context, modelName string, itemID int64) error {
	img := &types.Image{}
	if err := p.env.DB.WithContext(ctx).First(img, itemID).Error; err != nil {
		return fmt.Errorf("load image %d: %w", itemID, err)
	}

	client, err := p.env.Pool.Pick(modelName, config.CapAesthetic)
	if err != nil {
		return err
	}
	data, mime, err := p.env.loadImageBytes(ctx, img)
	if err != nil {
		return err
	}
	score, err := client.AestheticScore(ctx, data, mime)
	if err != nil {
		return err
	}

	if err := p.env.DB.WithContext(ctx).Model(img).
		Update("aesthetic_score", score).Error; err != nil {
		return fmt.Errorf("store score for image %d: %w", img.ID, err)
	}
	return nil
}
