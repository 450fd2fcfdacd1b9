// Package graphstore writes the per-post property graph into Neo4j.
//
// Every Post node carries an expires_at timestamp so the graph stays a
// rolling window; PruneExpired detaches and deletes anything past it.
package graphstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sluicehq/sluice/pkg/config"
)

// PostGraph is everything the indexing stage knows about one post,
// flattened into the nodes and edges the graph carries.
type PostGraph struct {
	PostID      int64
	TenantID    string
	ChannelID   int64
	ChannelName string
	PostedAt    time.Time
	AlbumID     int64

	Tags     []string
	Topics   []string
	Entities []string
	// Images holds one entry per attached media blob.
	Images []ImageRef
	// PageURLHash is set when a crawled page is attached.
	PageURLHash string
	PageURL     string
}

// ImageRef identifies one content-addressed image node. MimeType is
// empty when the relational descriptor was not found.
type ImageRef struct {
	SHA256   string
	MimeType string
}

// Store owns the Neo4j driver and the write/prune cypher.
type Store struct {
	driver  neo4j.DriverWithContext
	postTTL time.Duration
	logger  *slog.Logger
}

// NewStore connects to Neo4j and verifies connectivity before returning.
func NewStore(cfg *config.Neo4jConfig, graphCfg *config.GraphConfig) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to reach neo4j at %s: %w", cfg.URI, err)
	}

	return &Store{
		driver:  driver,
		postTTL: graphCfg.PostTTL(),
		logger:  slog.With("component", "graphstore"),
	}, nil
}

// WritePost merges the post and everything around it in one transaction.
// Re-running for the same post refreshes properties and expiry rather
// than duplicating nodes.
func (s *Store) WritePost(ctx context.Context, g PostGraph) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	expiresAt := time.Now().UTC().Add(s.postTTL)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		params := map[string]any{
			"post_id":      g.PostID,
			"tenant_id":    g.TenantID,
			"channel_id":   g.ChannelID,
			"channel_name": g.ChannelName,
			"posted_at":    g.PostedAt.UTC(),
			"expires_at":   expiresAt,
		}

		_, err := tx.Run(ctx, `
			MERGE (c:Channel {channel_id: $channel_id})
			  SET c.name = $channel_name
			MERGE (p:Post {post_id: $post_id})
			  SET p.tenant_id = $tenant_id,
			      p.posted_at = $posted_at,
			      p.expires_at = $expires_at
			MERGE (p)-[:POSTED_IN]->(c)`, params)
		if err != nil {
			return nil, fmt.Errorf("failed to merge post %d: %w", g.PostID, err)
		}

		if g.AlbumID != 0 {
			_, err = tx.Run(ctx, `
				MATCH (p:Post {post_id: $post_id})
				MERGE (a:Album {album_id: $album_id})
				MERGE (p)-[:PART_OF]->(a)`,
				map[string]any{"post_id": g.PostID, "album_id": g.AlbumID})
			if err != nil {
				return nil, fmt.Errorf("failed to merge album %d: %w", g.AlbumID, err)
			}
		}

		if err := mergeNamed(ctx, tx, g.PostID, "Tag", "TAGGED", g.Tags); err != nil {
			return nil, err
		}
		if err := mergeNamed(ctx, tx, g.PostID, "Topic", "ABOUT", g.Topics); err != nil {
			return nil, err
		}
		if err := mergeNamed(ctx, tx, g.PostID, "Entity", "MENTIONS", g.Entities); err != nil {
			return nil, err
		}

		if len(g.Images) > 0 {
			images := make([]map[string]any, 0, len(g.Images))
			for _, img := range g.Images {
				images = append(images, map[string]any{"sha256": img.SHA256, "mime_type": img.MimeType})
			}
			_, err = tx.Run(ctx, `
				MATCH (p:Post {post_id: $post_id})
				UNWIND $images AS img
				MERGE (i:ImageContent {sha256: img.sha256})
				  SET i.mime_type = coalesce(nullif(img.mime_type, ''), i.mime_type)
				MERGE (p)-[:SHOWS]->(i)`,
				map[string]any{"post_id": g.PostID, "images": images})
			if err != nil {
				return nil, fmt.Errorf("failed to merge image content: %w", err)
			}
		}

		if g.PageURLHash != "" {
			_, err = tx.Run(ctx, `
				MATCH (p:Post {post_id: $post_id})
				MERGE (w:WebPage {url_hash: $url_hash})
				  SET w.url = $url
				MERGE (p)-[:LINKS_TO]->(w)`,
				map[string]any{"post_id": g.PostID, "url_hash": g.PageURLHash, "url": g.PageURL})
			if err != nil {
				return nil, fmt.Errorf("failed to merge web page: %w", err)
			}
		}

		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to write graph for post %d: %w", g.PostID, err)
	}
	return nil
}

// mergeNamed fans one post out to a list of name-keyed nodes via UNWIND.
func mergeNamed(ctx context.Context, tx neo4j.ManagedTransaction, postID int64, label, rel string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		MATCH (p:Post {post_id: $post_id})
		UNWIND $names AS name
		MERGE (n:%s {name: name})
		MERGE (p)-[:%s]->(n)`, label, rel)
	if _, err := tx.Run(ctx, query, map[string]any{"post_id": postID, "names": names}); err != nil {
		return fmt.Errorf("failed to merge %s nodes for post %d: %w", label, postID, err)
	}
	return nil
}

// PruneExpired deletes Post nodes past their expires_at along with their
// relationships, then sweeps nodes left with no edges. Returns the
// number of posts removed.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	removed, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (p:Post)
			WHERE p.expires_at < $now
			WITH p LIMIT 10000
			DETACH DELETE p
			RETURN count(p) AS removed`,
			map[string]any{"now": now.UTC()})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		count, _ := record.Get("removed")

		// Orphaned Tag/Topic/Entity/ImageContent/WebPage nodes keep the
		// graph from growing without bound.
		_, err = tx.Run(ctx, `
			MATCH (n)
			WHERE NOT (n)--() AND NOT n:Channel
			WITH n LIMIT 10000
			DELETE n`, nil)
		if err != nil {
			return nil, err
		}
		return count, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired graph nodes: %w", err)
	}

	count, _ := removed.(int64)
	if count > 0 {
		s.logger.Info("Pruned expired graph posts", "removed", count)
	}
	return count, nil
}

// Close shuts down the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
