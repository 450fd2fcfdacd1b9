package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/version"
)

// CollectionName returns the per-tenant posts collection. Tenants never
// share a collection.
func CollectionName(tenantID string) string {
	return fmt.Sprintf("t%s_posts", tenantID)
}

// Client wraps the Qdrant gRPC client with the per-tenant collection
// conventions used by the indexing stage.
type Client struct {
	qc         *qdrant.Client
	vectorSize uint64
	logger     *slog.Logger
}

// NewClient connects to Qdrant and verifies the instance is reachable.
func NewClient(cfg *config.QdrantConfig, vectorSize int) (*Client, error) {
	qc, err := qdrant.NewClient(&qdrant.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		APIKey:      cfg.APIKey,
		UseTLS:      cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{grpc.WithUserAgent(version.Full())},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if _, err := qc.HealthCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to reach qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &Client{
		qc:         qc,
		vectorSize: uint64(vectorSize),
		logger:     slog.With("component", "vectorstore"),
	}, nil
}

// EnsureCollection creates the tenant collection if it does not exist.
// Existing collections are left untouched, including their vector size.
func (c *Client) EnsureCollection(ctx context.Context, tenantID string) error {
	name := CollectionName(tenantID)

	exists, err := c.qc.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}

	err = c.qc.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     c.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	c.logger.Info("Created vector collection", "collection", name, "vector_size", c.vectorSize)
	return nil
}

// UpsertPost writes one post point into the tenant collection. The point
// ID is derived from the post ID so repeated indexing overwrites in
// place.
func (c *Client) UpsertPost(ctx context.Context, tenantID string, rec Record, vector []float32) error {
	if uint64(len(vector)) != c.vectorSize {
		return fmt.Errorf("vector size %d does not match collection size %d", len(vector), c.vectorSize)
	}

	payload, err := BuildPayload(rec)
	if err != nil {
		return err
	}

	valueMap, err := qdrant.TryValueMap(payload)
	if err != nil {
		return fmt.Errorf("failed to convert payload for post %d: %w", rec.PostID, err)
	}

	_, err = c.qc.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: CollectionName(tenantID),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDNum(uint64(rec.PostID)),
				Vectors: qdrant.NewVectors(vector...),
				Payload: valueMap,
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert post %d into %s: %w", rec.PostID, CollectionName(tenantID), err)
	}
	return nil
}

// DeletePost removes a post point, if present.
func (c *Client) DeletePost(ctx context.Context, tenantID string, postID int64) error {
	_, err := c.qc.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: CollectionName(tenantID),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDNum(uint64(postID))),
	})
	if err != nil {
		return fmt.Errorf("failed to delete post %d from %s: %w", postID, CollectionName(tenantID), err)
	}
	return nil
}

// ChannelPostIDs scrolls all point IDs for one channel in the tenant
// collection. Used when a subscription is torn down.
func (c *Client) ChannelPostIDs(ctx context.Context, tenantID string, channelID int64) ([]int64, error) {
	var (
		ids    []int64
		offset *qdrant.PointId
	)
	for {
		points, err := c.qc.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: CollectionName(tenantID),
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{
					qdrant.NewMatchInt("channel_id", channelID),
				},
			},
			Limit:  qdrant.PtrOf(uint32(256)),
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll channel %d points: %w", channelID, err)
		}
		for _, p := range points {
			if num := p.GetId().GetNum(); num != 0 {
				ids = append(ids, int64(num))
			}
		}
		if len(points) < 256 {
			return ids, nil
		}
		// The scroll offset is inclusive; step past the last point.
		offset = qdrant.NewIDNum(points[len(points)-1].GetId().GetNum() + 1)
	}
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.qc.Close()
}
