package aitask

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/types"
)

// albumNameMaxRunes bounds generated names to the column width with slack
// for CJK text.
const albumNameMaxRunes = 50

// defaultAlbumNamePrompt; the config can override it. The %s slots take the
// photo count, the date range and the tag list.
const defaultAlbumNamePrompt = "为一个相册起一个简短有意境的中文名字。相册包含 %s 张照片，拍摄于 %s。" +
	"照片的主题标签：%s。只回复相册名本身，不要引号，不要解释。"

// albumNamingProcessor names an album from its members' tags and dates, and
// picks a cover when none is set.
type albumNamingProcessor struct {
	env *Env
}

func (p *albumNamingProcessor) Kind() types.TaskKind { return types.TaskAlbumNaming }

func (p *albumNamingProcessor) Capability() string { return config.CapChat }

// FindPending is always empty: naming only runs when a user asks for it.
func (p *albumNamingProcessor) FindPending(context.Context, string, int) ([]int64, error) {
	return nil, nil
}

func (p *albumNamingProcessor) Process(ctx context.Context, modelName string, itemID int64) error {
	album := &types.Album{}
	if err := p.env.DB.WithContext(ctx).First(album, itemID).Error; err != nil {
		return fmt.Errorf("load album %d: %w", itemID, err)
	}

	var images []types.Image
	err := p.env.DB.WithContext(ctx).
		Where("id IN (?)", p.env.DB.Model(&types.AlbumImage{}).
			Select("image_id").Where("album_id = ?", album.ID)).
		Find(&images).Error
	if err != nil {
		return fmt.Errorf("load members of album %d: %w", album.ID, err)
	}
	if len(images) == 0 {
		return fmt.Errorf("album %d has no images", album.ID)
	}

	client, err := p.env.Pool.Pick(modelName, config.CapChat)
	if err != nil {
		return err
	}

	prompt := p.env.Conf.AlbumNamePrompt
	if prompt == "" {
		prompt = defaultAlbumNamePrompt
	}
	prompt = fmt.Sprintf(prompt,
		fmt.Sprint(len(images)), dateRange(images), p.topTags(ctx, images))
	if album.Description != "" {
		prompt += "相册描述：" + album.Description + "。"
	}

	reps := p.representatives(ctx, album, images)
	attachments := make([]Attachment, 0, len(reps))
	for i := range reps {
		data, mime, err := p.env.loadImageBytes(ctx, &reps[i])
		if err != nil {
			// A sample that cannot be read just shrinks the sample set.
			log.WithFunc("aitask.albumname").Warnf(ctx, "sample image %d: %v", reps[i].ID, err)
			continue
		}
		attachments = append(attachments, Attachment{Data: data, MIME: mime})
	}

	reply, err := client.Chat(ctx, prompt, attachments...)
	if err != nil {
		return err
	}
	name := sanitizeAlbumName(reply)
	if name == "" {
		return fmt.Errorf("model %s produced an empty album name", modelName)
	}

	updates := map[string]any{"name": name}
	if album.CoverImageID == nil && len(reps) > 0 {
		updates["cover_image_id"] = reps[0].ID
	}
	if err := p.env.DB.WithContext(ctx).Model(album).Updates(updates).Error; err != nil {
		return fmt.Errorf("store name of album %d: %w", album.ID, err)
	}
	log.WithFunc("aitask.albumname").Infof(ctx, "album %d named %q", album.ID, name)
	return nil
}

// topTags returns up to 5 tag names by member frequency, or a placeholder.
func (p *albumNamingProcessor) topTags(ctx context.Context, images []types.Image) string {
	ids := make([]int64, len(images))
	for i, img := range images {
		ids[i] = img.ID
	}
	var names []string
	err := p.env.DB.WithContext(ctx).Model(&types.ImageTag{}).
		Select("tags.name").
		Joins("JOIN tags ON tags.id = image_tags.tag_id").
		Where("image_tags.image_id IN ?", ids).
		Group("tags.name").
		Order("COUNT(*) DESC").
		Limit(5).
		Pluck("tags.name", &names).Error
	if err != nil || len(names) == 0 {
		return "无"
	}
	return strings.Join(names, "、")
}

// repSampleCount bounds the aesthetic-score fallback sample.
const repSampleCount = 3

// representatives picks the images shown to the model: the custom cover when
// one is set, else the member closest to the album's mean embedding, else up
// to repSampleCount members by aesthetic score.
func (p *albumNamingProcessor) representatives(ctx context.Context, album *types.Album, images []types.Image) []types.Image {
	byID := make(map[int64]types.Image, len(images))
	ids := make([]int64, len(images))
	for i, img := range images {
		byID[img.ID] = img
		ids[i] = img.ID
	}

	if album.CoverImageID != nil {
		if img, ok := byID[*album.CoverImageID]; ok {
			return []types.Image{img}
		}
	}

	if img, ok := p.meanClosest(ctx, ids, byID); ok {
		return []types.Image{img}
	}

	sorted := make([]types.Image, len(images))
	copy(sorted, images)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := -1.0, -1.0
		if sorted[i].AestheticScore != nil {
			si = *sorted[i].AestheticScore
		}
		if sorted[j].AestheticScore != nil {
			sj = *sorted[j].AestheticScore
		}
		return si > sj
	})
	return sorted[:min(repSampleCount, len(sorted))]
}

// meanClosest finds the member nearest to the mean of the default tag model's
// embeddings, when any exist.
func (p *albumNamingProcessor) meanClosest(ctx context.Context, ids []int64, byID map[int64]types.Image) (types.Image, bool) {
	var rows []types.ImageEmbedding
	err := p.env.DB.WithContext(ctx).
		Where("image_id IN ? AND model_name = ?", ids, p.env.Conf.DefaultTagModel).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return types.Image{}, false
	}

	vectors := make([][]float32, 0, len(rows))
	decoded := make(map[int64][]float32, len(rows))
	for _, row := range rows {
		v, err := types.DecodeVector(row.Vector)
		if err != nil {
			continue
		}
		vectors = append(vectors, v)
		decoded[row.ImageID] = v
	}
	mean := meanVector(vectors)
	if mean == nil {
		return types.Image{}, false
	}

	best, bestSim := int64(0), -2.0
	for imageID, v := range decoded {
		if sim := cosine(mean, v); sim > bestSim {
			best, bestSim = imageID, sim
		}
	}
	img, ok := byID[best]
	return img, ok
}

func dateRange(images []types.Image) string {
	var lo, hi string
	for _, img := range images {
		if img.TakenAt == nil {
			continue
		}
		d := img.TakenAt.Format("2006-01-02")
		if lo == "" || d < lo {
			lo = d
		}
		if hi == "" || d > hi {
			hi = d
		}
	}
	switch {
	case lo == "":
		return "未知时间"
	case lo == hi:
		return lo
	default:
		return lo + " 至 " + hi
	}
}

// sanitizeAlbumName takes the first line, strips wrapping quotes and label
// prefixes, and truncates to the column width.
func sanitizeAlbumName(reply string) string {
	name := strings.TrimSpace(reply)
	if i := strings.IndexAny(name, "\r\n"); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(name, "\"'“”‘’「」『』 ")
	for _, prefix := range []string{"相册名：", "相册名:", "名称：", "名称:", "Album name:", "Name:"} {
		name = strings.TrimSpace(strings.TrimPrefix(name, prefix))
	}
	runes := []rune(name)
	if len(runes) > albumNameMaxRunes {
		name = string(runes[:albumNameMaxRunes])
	}
	return name
}
