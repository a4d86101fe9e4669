package aitask

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/types"
)

// tagSimilarityThreshold is the cosine floor for attaching a tag to an image
// based on vector similarity.
const tagSimilarityThreshold = 0.25

// imageEmbeddingProcessor embeds one image and, for the default tag model,
// refreshes the image's tag associations from the new vector.
type imageEmbeddingProcessor struct {
	env *Env
}

func (p *imageEmbeddingProcessor) Kind() types.TaskKind { return types.TaskImageEmbedding }

func (p *imageEmbeddingProcessor) Capability() string { return config.CapEmbed }

// FindPending selects live images with no embedding row for the model yet.
func (p *imageEmbeddingProcessor) FindPending(ctx context.Context, modelName string, limit int) ([]int64, error) {
	var ids []int64
	err := p.env.DB.WithContext(ctx).Model(&types.Image{}).
		Where("trashed_at IS NULL").
		Where("id NOT IN (?)", p.env.DB.Model(&types.ImageEmbedding{}).
			Select("image_id").Where("model_name = ?", modelName)).
		Order("id").Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find unembedded images: %w", err)
	}
	return ids, nil
}

func (p *imageEmbeddingProcessor) Process(ctx context.Context, modelName string, itemID int64) error {
	img := &types.Image{}
	if err := p.env.DB.WithContext(ctx).First(img, itemID).Error; err != nil {
		return fmt.Errorf("load image %d: %w", itemID, err)
	}

	client, err := p.env.Pool.Pick(modelName, config.CapEmbed)
	if err != nil {
		return err
	}
	data, mime, err := p.env.loadImageBytes(ctx, img)
	if err != nil {
		return err
	}
	vector, err := client.EmbedImage(ctx, data, mime)
	if err != nil {
		return err
	}
	blob, err := types.EncodeVector(vector)
	if err != nil {
		return err
	}

	row := types.ImageEmbedding{
		ImageID:   img.ID,
		ModelName: modelName,
		ModelID:   client.ModelID(),
		Dimension: len(vector),
		Vector:    blob,
	}
	err = p.env.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "image_id"}, {Name: "model_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"model_id", "dimension", "vector"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store embedding for image %d: %w", img.ID, err)
	}

	if modelName == p.env.Conf.DefaultTagModel {
		if err := p.associateTags(ctx, img.ID, modelName, vector); err != nil {
			// Tag association rides along; its failure must not fail the
			// embedding item.
			log.WithFunc("aitask.embedding").Warnf(ctx, "tag association for image %d: %v", img.ID, err)
		}
	}
	return nil
}

// associateTags recomputes the image's tag set from vector similarity
// against every tag embedding of the same model.
func (p *imageEmbeddingProcessor) associateTags(ctx context.Context, imageID int64, modelName string, vector []float32) error {
	var tagEmbeddings []types.TagEmbedding
	if err := p.env.DB.WithContext(ctx).
		Where("model_name = ?", modelName).Find(&tagEmbeddings).Error; err != nil {
		return fmt.Errorf("load tag embeddings: %w", err)
	}

	var matched []int64
	for _, te := range tagEmbeddings {
		tv, err := types.DecodeVector(te.Vector)
		if err != nil {
			return err
		}
		if cosine(vector, tv) >= tagSimilarityThreshold {
			matched = append(matched, te.TagID)
		}
	}

	return p.env.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("image_id = ?", imageID).Delete(&types.ImageTag{}).Error; err != nil {
			return err
		}
		if len(matched) == 0 {
			return nil
		}
		rows := make([]types.ImageTag, len(matched))
		for i, tagID := range matched {
			rows[i] = types.ImageTag{ImageID: imageID, TagID: tagID}
		}
		return tx.Create(&rows).Error
	})
}
