package aitask

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/types"
)

// tagEmbeddingProcessor vectorizes a tag's description so images can be
// matched against it.
type tagEmbeddingProcessor struct {
	env *Env
}

func (p *tagEmbeddingProcessor) Kind() types.TaskKind { return types.TaskTagEmbedding }

func (p *tagEmbeddingProcessor) Capability() string { return config.CapEmbed }

// FindPending selects tags whose vector for the model is missing or older
// than the last description edit.
func (p *tagEmbeddingProcessor) FindPending(ctx context.Context, modelName string, limit int) ([]int64, error) {
	var ids []int64
	err := p.env.DB.WithContext(ctx).Model(&types.Tag{}).
		Where("id NOT IN (?)", p.env.DB.Model(&types.TagEmbedding{}).
			Select("tag_id").
			Where("model_name = ? AND updated_at >= tags.desc_updated_at", modelName)).
		Order("id").Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find stale tags: %w", err)
	}
	return ids, nil
}

func (p *tagEmbeddingProcessor) Process(ctx context.Context, modelName string, itemID int64) error {
	tag := &types.Tag{}
	if err := p.env.DB.WithContext(ctx).First(tag, itemID).Error; err != nil {
		return fmt.Errorf("load tag %d: %w", itemID, err)
	}

	client, err := p.env.Pool.Pick(modelName, config.CapEmbed)
	if err != nil {
		return err
	}

	text := tag.Name
	if tag.Description != "" {
		text = tag.Name + ": " + tag.Description
	}
	vector, err := client.EmbedText(ctx, text)
	if err != nil {
		return err
	}
	blob, err := types.EncodeVector(vector)
	if err != nil {
		return err
	}

	row := types.TagEmbedding{
		TagID:     tag.ID,
		ModelName: modelName,
		Dimension: len(vector),
		Vector:    blob,
	}
	err = p.env.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tag_id"}, {Name: "model_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"dimension", "vector", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store embedding for tag %d: %w", tag.ID, err)
	}
	return nil
}
