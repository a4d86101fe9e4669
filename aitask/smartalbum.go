package aitask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	"gorm.io/gorm"

	"github.com/projecteru2/lumen/notify"
	saprogress "github.com/projecteru2/lumen/progress/smartalbum"
	"github.com/projecteru2/lumen/types"
)

// smartAlbumNamePrefix is the fixed prefix of generated albums; the suffix
// counter keeps increasing across runs.
const smartAlbumNamePrefix = "智能相册 #"

// ErrNotEnoughImages rejects clustering with fewer than 2 embedded images.
var ErrNotEnoughImages = errors.New("至少需要 2 张图片")

// clusteringTimeout caps the clustering service call.
const clusteringTimeout = 5 * time.Minute

// smartAlbumProcessor sends the library's embeddings to the clustering
// service and materializes each cluster as an album.
type smartAlbumProcessor struct {
	env *Env
}

func (p *smartAlbumProcessor) Kind() types.TaskKind { return types.TaskSmartAlbum }

// Capability is empty: clustering needs stored embeddings, not a live model
// client.
func (p *smartAlbumProcessor) Capability() string { return "" }

// FindPending selects unprocessed clustering requests for the model.
func (p *smartAlbumProcessor) FindPending(ctx context.Context, modelName string, limit int) ([]int64, error) {
	var ids []int64
	err := p.env.DB.WithContext(ctx).Model(&types.SmartAlbumTask{}).
		Where("status = ? AND model_name = ?", types.SmartAlbumPending, modelName).
		Order("id").Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find pending smart album tasks: %w", err)
	}
	return ids, nil
}

func (p *smartAlbumProcessor) Process(ctx context.Context, modelName string, itemID int64) error {
	task := &types.SmartAlbumTask{}
	if err := p.env.DB.WithContext(ctx).First(task, itemID).Error; err != nil {
		return fmt.Errorf("load smart album task %d: %w", itemID, err)
	}

	albums, err := p.generate(ctx, task)
	if err != nil {
		msg := err.Error()
		if len(msg) > types.ItemErrorWidth {
			msg = msg[:types.ItemErrorWidth]
		}
		p.env.DB.WithContext(ctx).Model(task).
			Updates(map[string]any{"status": types.SmartAlbumFailed, "error": msg})
		p.emit(ctx, saprogress.Event{Phase: saprogress.PhaseDone, Err: err})
		return err
	}

	if err := p.env.DB.WithContext(ctx).Model(task).
		Updates(map[string]any{"status": types.SmartAlbumCompleted, "error": ""}).Error; err != nil {
		return fmt.Errorf("complete smart album task %d: %w", task.ID, err)
	}
	p.emit(ctx, saprogress.Event{Phase: saprogress.PhaseDone, Albums: albums})
	return nil
}

func (p *smartAlbumProcessor) generate(ctx context.Context, task *types.SmartAlbumTask) (int, error) {
	p.emit(ctx, saprogress.Event{Phase: saprogress.PhaseCollect})

	// Only live images cluster; trashed ones keep their embeddings but must
	// not surface in new albums.
	var rows []types.ImageEmbedding
	err := p.env.DB.WithContext(ctx).Model(&types.ImageEmbedding{}).
		Joins("JOIN images ON images.id = image_embeddings.image_id AND images.trashed_at IS NULL").
		Where("image_embeddings.model_name = ?", task.ModelName).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("load embeddings for %s: %w", task.ModelName, err)
	}
	if len(rows) < 2 {
		return 0, ErrNotEnoughImages
	}

	imageIDs := make([]int64, 0, len(rows))
	vectors := make([][]float32, 0, len(rows))
	for _, row := range rows {
		v, err := types.DecodeVector(row.Vector)
		if err != nil {
			log.WithFunc("aitask.smartalbum").Warnf(ctx, "image %d vector unreadable: %v", row.ImageID, err)
			continue
		}
		imageIDs = append(imageIDs, row.ImageID)
		vectors = append(vectors, v)
	}
	if len(imageIDs) < 2 {
		return 0, ErrNotEnoughImages
	}

	p.emit(ctx, saprogress.Event{Phase: saprogress.PhaseCluster, Vectors: len(vectors)})
	clusters, err := p.cluster(ctx, imageIDs, vectors)
	if err != nil {
		return 0, err
	}

	kept := make([][]int64, 0, len(clusters))
	for _, c := range clusters {
		if len(c) >= 2 {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return 0, nil
	}

	p.emit(ctx, saprogress.Event{Phase: saprogress.PhaseCommit, Vectors: len(vectors), Albums: len(kept)})
	err = p.env.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := nextSmartAlbumNumber(tx)
		if err != nil {
			return err
		}
		for i, cluster := range kept {
			album := types.Album{
				Name:         smartAlbumNamePrefix + strconv.Itoa(next+i),
				IsSmart:      true,
				CoverImageID: &cluster[0],
			}
			if err := tx.Create(&album).Error; err != nil {
				return fmt.Errorf("create smart album: %w", err)
			}
			joins := make([]types.AlbumImage, len(cluster))
			for j, imageID := range cluster {
				joins[j] = types.AlbumImage{AlbumID: album.ID, ImageID: imageID}
			}
			if err := tx.Create(&joins).Error; err != nil {
				return fmt.Errorf("fill smart album %d: %w", album.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(kept), nil
}

// clusteringPath is the clustering service's route under the configured
// endpoint.
const clusteringPath = "/v1/clustering"

type hdbscanParams struct {
	MinClusterSize          int     `json:"min_cluster_size"`
	MinSamples              int     `json:"min_samples"`
	ClusterSelectionEpsilon float64 `json:"cluster_selection_epsilon"`
	ClusterSelectionMethod  string  `json:"cluster_selection_method"`
	Metric                  string  `json:"metric"`
}

type umapParams struct {
	Enabled     bool `json:"enabled"`
	NComponents int  `json:"n_components"`
	NNeighbors  int  `json:"n_neighbors"`
}

type clusterRequest struct {
	Embeddings [][]float32   `json:"embeddings"`
	ImageIDs   []int64       `json:"image_ids"`
	HDBSCAN    hdbscanParams `json:"hdbscan_params"`
	UMAP       umapParams    `json:"umap_params"`
}

type clusterGroup struct {
	ClusterID int     `json:"cluster_id"`
	ImageIDs  []int64 `json:"image_ids"`
	AvgProb   float64 `json:"avg_prob"`
}

type clusterResponse struct {
	Clusters      []clusterGroup `json:"clusters"`
	NoiseImageIDs []int64        `json:"noise_image_ids"`
	NClusters     int            `json:"n_clusters"`
}

//nolint:mnd
func defaultClusterRequest(imageIDs []int64, vectors [][]float32) clusterRequest {
	return clusterRequest{
		Embeddings: vectors,
		ImageIDs:   imageIDs,
		HDBSCAN: hdbscanParams{
			MinClusterSize:         2,
			MinSamples:             1,
			ClusterSelectionMethod: "eom",
			Metric:                 "euclidean",
		},
		UMAP: umapParams{Enabled: true, NComponents: 32, NNeighbors: 15},
	}
}

// cluster calls the external grouping service.
func (p *smartAlbumProcessor) cluster(ctx context.Context, imageIDs []int64, vectors [][]float32) ([][]int64, error) {
	if p.env.Conf.ClusteringEndpoint == "" {
		return nil, errors.New("clustering endpoint not configured")
	}
	body, err := json.Marshal(defaultClusterRequest(imageIDs, vectors))
	if err != nil {
		return nil, fmt.Errorf("encode clustering request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, clusteringTimeout)
	defer cancel()
	url := strings.TrimSuffix(p.env.Conf.ClusteringEndpoint, "/") + clusteringPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create clustering request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call clustering service: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("clustering service: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out clusterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode clustering response: %w", err)
	}
	groups := make([][]int64, 0, len(out.Clusters))
	for _, c := range out.Clusters {
		groups = append(groups, c.ImageIDs)
	}
	return groups, nil
}

// nextSmartAlbumNumber scans existing smart album names for the highest
// suffix so the counter never reuses a number, even after deletions.
func nextSmartAlbumNumber(tx *gorm.DB) (int, error) {
	var names []string
	if err := tx.Model(&types.Album{}).Where("is_smart = ?", true).
		Pluck("name", &names).Error; err != nil {
		return 0, fmt.Errorf("scan smart album names: %w", err)
	}
	highest := 0
	for _, name := range names {
		suffix, ok := strings.CutPrefix(name, smartAlbumNamePrefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

func (p *smartAlbumProcessor) emit(ctx context.Context, event saprogress.Event) {
	p.env.Tracker.OnEvent(event)
	if p.env.Bus != nil {
		payload := map[string]any{"phase": int(event.Phase), "vectors": event.Vectors, "albums": event.Albums}
		if event.Err != nil {
			payload["error"] = event.Err.Error()
		}
		p.env.Bus.Publish(ctx, notify.TopicSmartAlbumProgress, payload)
	}
}
