package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sluicehq/sluice/pkg/storage"
)

// Queries groups the read paths used by the pipeline stages.
type Queries struct {
	db *sqlx.DB
}

// NewQueries creates the read layer over the shared pool.
func NewQueries(db *sqlx.DB) *Queries {
	return &Queries{db: db}
}

// LoadPostBundle loads a post together with its tags, vision, and crawl
// enrichments, its media digests, and the owning tenant, in one query.
// Tenant resolution picks the oldest active subscription's tenant.
func (q *Queries) LoadPostBundle(ctx context.Context, postID int64) (PostBundle, error) {
	var (
		b          PostBundle
		tenantSlug sql.NullString
		groupedID  sql.NullInt64
		mediaSHAs  sql.NullString
		tagsJoined sql.NullString
		visionJSON []byte
		crawlJSON  []byte
	)

	err := q.db.QueryRowxContext(ctx,
		`SELECT p.id, p.channel_id, c.platform_channel_id, p.content, p.posted_at, p.grouped_id,
		   (SELECT t.slug
		      FROM subscriptions s
		      JOIN users u ON u.id = s.user_id
		      JOIN tenants t ON t.id = u.tenant_id
		     WHERE s.channel_id = p.channel_id AND s.is_active
		     ORDER BY s.created_at
		     LIMIT 1),
		   (SELECT string_agg(m.file_sha256, E'\n' ORDER BY m.position)
		      FROM post_media_map m WHERE m.post_id = p.id),
		   (SELECT array_to_string(e.tags, E'\n') FROM post_enrichments e WHERE e.post_id = p.id AND e.kind = 'tags'),
		   (SELECT e.payload FROM post_enrichments e WHERE e.post_id = p.id AND e.kind = 'vision'),
		   (SELECT e.payload FROM post_enrichments e WHERE e.post_id = p.id AND e.kind = 'crawl')
		 FROM posts p
		 JOIN channels c ON c.id = p.channel_id
		 WHERE p.id = $1`,
		postID,
	).Scan(&b.PostID, &b.ChannelID, &b.PlatformChannelID, &b.Content, &b.PostedAt, &groupedID,
		&tenantSlug, &mediaSHAs, &tagsJoined, &visionJSON, &crawlJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("failed to load post bundle %d: %w", postID, err)
	}

	b.TenantSlug = tenantSlug.String
	b.GroupedID = groupedID.Int64
	if mediaSHAs.String != "" {
		b.MediaSHAs = strings.Split(mediaSHAs.String, "\n")
	}
	if tagsJoined.String != "" {
		b.Tags = strings.Split(tagsJoined.String, "\n")
	}
	b.VisionPayload = visionJSON
	b.CrawlPayload = crawlJSON
	return b, nil
}

// ResolveTenant returns the tenant slug owning a post, or ErrNotFound
// when the post has no active subscription chain.
func (q *Queries) ResolveTenant(ctx context.Context, postID int64) (string, error) {
	var slug sql.NullString
	err := q.db.QueryRowxContext(ctx,
		`SELECT (SELECT t.slug
		           FROM subscriptions s
		           JOIN users u ON u.id = s.user_id
		           JOIN tenants t ON t.id = u.tenant_id
		          WHERE s.channel_id = p.channel_id AND s.is_active
		          ORDER BY s.created_at
		          LIMIT 1)
		 FROM posts p WHERE p.id = $1`,
		postID,
	).Scan(&slug)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve tenant for post %d: %w", postID, err)
	}
	if !slug.Valid || slug.String == "" {
		return "", ErrNotFound
	}
	return slug.String, nil
}

// ActiveChannels lists the channels the ingestion worker should poll for
// one identity: active channel, active subscription, joined back to the
// owning tenant.
func (q *Queries) ActiveChannels(ctx context.Context, platformUserID int64) ([]ChannelCursor, error) {
	rows, err := q.db.QueryxContext(ctx,
		`SELECT c.id AS channel_id, c.platform_channel_id, c.username, c.high_water_mark,
		        u.id AS user_id, t.slug AS tenant_slug, i.platform_user_id
		 FROM channels c
		 JOIN subscriptions s ON s.channel_id = c.id AND s.is_active
		 JOIN users u ON u.id = s.user_id
		 JOIN tenants t ON t.id = u.tenant_id
		 JOIN identities i ON i.id = u.identity_id
		 WHERE c.status = 'active' AND i.platform_user_id = $1
		 ORDER BY c.id`,
		platformUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active channels: %w", err)
	}
	defer rows.Close()

	var cursors []ChannelCursor
	for rows.Next() {
		var c ChannelCursor
		if err := rows.StructScan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan channel cursor: %w", err)
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// MarkIdentityUnauthenticated flags an identity whose session stopped
// working and parks every channel it observes so polling halts until an
// operator re-authenticates.
func (q *Queries) MarkIdentityUnauthenticated(ctx context.Context, platformUserID int64) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE identities SET auth_status = 'unauthenticated', updated_at = now()
		 WHERE platform_user_id = $1`,
		platformUserID,
	); err != nil {
		return fmt.Errorf("failed to mark identity %d unauthenticated: %w", platformUserID, err)
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE channels SET status = 'on_hold', updated_at = now()
		 WHERE id IN (
		   SELECT s.channel_id FROM subscriptions s
		   JOIN users u ON u.id = s.user_id
		   JOIN identities i ON i.id = u.identity_id
		   WHERE i.platform_user_id = $1
		 )`,
		platformUserID,
	); err != nil {
		return fmt.Errorf("failed to hold channels for identity %d: %w", platformUserID, err)
	}
	return nil
}

// MediaMimeTypes returns the stored MIME type per SHA for graph writes.
func (q *Queries) MediaMimeTypes(ctx context.Context, shas []string) (map[string]string, error) {
	if len(shas) == 0 {
		return map[string]string{}, nil
	}
	rows, err := q.db.QueryxContext(ctx,
		`SELECT file_sha256, mime_type FROM media_objects WHERE file_sha256 = ANY($1)`,
		shas,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load media mime types: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(shas))
	for rows.Next() {
		var sha, mime string
		if err := rows.Scan(&sha, &mime); err != nil {
			return nil, fmt.Errorf("failed to scan media object: %w", err)
		}
		out[sha] = mime
	}
	return out, rows.Err()
}

// UpsertAlbum records an album on first sight and returns its ID. The
// caption keeps the first non-empty value; counters only grow.
func (q *Queries) UpsertAlbum(ctx context.Context, channelID, platformGroupedID int64, itemsCount int, caption, coverSHA string, postedAt time.Time) (int64, error) {
	var id int64
	err := q.db.QueryRowxContext(ctx,
		`INSERT INTO albums (channel_id, platform_grouped_id, items_count, caption, cover_sha256, posted_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		 ON CONFLICT (channel_id, platform_grouped_id) DO UPDATE SET
		   items_count = GREATEST(albums.items_count, EXCLUDED.items_count),
		   caption = COALESCE(NULLIF(albums.caption, ''), EXCLUDED.caption),
		   cover_sha256 = COALESCE(albums.cover_sha256, EXCLUDED.cover_sha256),
		   updated_at = now()
		 RETURNING id`,
		channelID, platformGroupedID, itemsCount, caption, coverSHA, postedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert album %d/%d: %w", channelID, platformGroupedID, err)
	}
	return id, nil
}

// AddAlbumItem links a post into an album at a position.
func (q *Queries) AddAlbumItem(ctx context.Context, albumID, postID int64, position int) error {
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO album_items (album_id, post_id, position) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		albumID, postID, position,
	); err != nil {
		return fmt.Errorf("failed to add album item: %w", err)
	}
	return nil
}

// AlbumForPost returns the album a post belongs to, or ErrNotFound.
func (q *Queries) AlbumForPost(ctx context.Context, postID int64) (Album, error) {
	var (
		a        Album
		cover    sql.NullString
		postedAt sql.NullTime
	)
	err := q.db.QueryRowxContext(ctx,
		`SELECT a.id, a.channel_id, a.platform_grouped_id, a.items_count, a.caption, a.cover_sha256, a.posted_at
		 FROM albums a
		 JOIN album_items ai ON ai.album_id = a.id
		 WHERE ai.post_id = $1`,
		postID,
	).Scan(&a.ID, &a.ChannelID, &a.PlatformGroupedID, &a.ItemsCount, &a.Caption, &cover, &postedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("failed to load album for post %d: %w", postID, err)
	}
	a.CoverSHA256 = cover.String
	a.PostedAt = postedAt.Time
	return a, nil
}

// SaveAlbumSummary persists the aggregated vision summary on the album row.
func (q *Queries) SaveAlbumSummary(ctx context.Context, albumID int64, summary json.RawMessage) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE albums SET vision_summary = $2, updated_at = now() WHERE id = $1`,
		albumID, summary,
	); err != nil {
		return fmt.Errorf("failed to save album summary %d: %w", albumID, err)
	}
	return nil
}

// ListEvictionCandidates returns unreferenced blob descriptors, oldest
// last-seen first. Tenant and content kind are recovered from the key
// layout ({kind}/{tenant}/...), which every writer follows.
func (q *Queries) ListEvictionCandidates(ctx context.Context, limit int) ([]storage.EvictionCandidate, error) {
	rows, err := q.db.QueryxContext(ctx,
		`SELECT file_sha256, s3_key, size_bytes, last_seen_at,
		        split_part(s3_key, '/', 1) AS kind,
		        split_part(s3_key, '/', 2) AS tenant
		 FROM media_objects
		 WHERE refs_count = 0
		 ORDER BY last_seen_at ASC,
		          CASE split_part(s3_key, '/', 1)
		            WHEN 'crawl' THEN 0
		            WHEN 'vision' THEN 1
		            ELSE 2
		          END
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list eviction candidates: %w", err)
	}
	defer rows.Close()

	var out []storage.EvictionCandidate
	for rows.Next() {
		var c storage.EvictionCandidate
		if err := rows.Scan(&c.SHA256, &c.S3Key, &c.SizeBytes, &c.LastSeenAt, &c.Kind, &c.TenantID); err != nil {
			return nil, fmt.Errorf("failed to scan eviction candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteBlobDescriptor drops one descriptor row. Refusing referenced
// rows keeps a racing reference bump from orphaning live media.
func (q *Queries) DeleteBlobDescriptor(ctx context.Context, sha256 string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM media_objects WHERE file_sha256 = $1 AND refs_count = 0`,
		sha256,
	)
	if err != nil {
		return fmt.Errorf("failed to delete blob descriptor %s: %w", sha256, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("blob descriptor %s is referenced or missing", sha256)
	}
	return nil
}

// ExpiredPost identifies a post past the retention window along with
// the tenant whose vector collection holds it.
type ExpiredPost struct {
	ID         int64  `db:"id"`
	TenantSlug string `db:"tenant_slug"`
}

// ListExpiredPosts returns posts published before cutoff, oldest first.
// Tenant resolution follows the oldest-active-subscription convention;
// posts whose subscription is gone come back with an empty slug so the
// relational rows can still be purged.
func (q *Queries) ListExpiredPosts(ctx context.Context, cutoff time.Time, limit int) ([]ExpiredPost, error) {
	var out []ExpiredPost
	if err := q.db.SelectContext(ctx, &out,
		`SELECT p.id,
		        COALESCE((SELECT t.slug
		                    FROM subscriptions s
		                    JOIN users u ON u.id = s.user_id
		                    JOIN tenants t ON t.id = u.tenant_id
		                   WHERE s.channel_id = p.channel_id AND s.is_active
		                   ORDER BY s.created_at
		                   LIMIT 1), '') AS tenant_slug
		 FROM posts p
		 WHERE p.posted_at < $1
		 ORDER BY p.posted_at ASC
		 LIMIT $2`,
		cutoff, limit,
	); err != nil {
		return nil, fmt.Errorf("failed to list expired posts: %w", err)
	}
	return out, nil
}

// PurgePosts deletes posts and their cascaded children, releasing the
// media references they held so the evictor can reclaim the blobs.
func (q *Queries) PurgePosts(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(
		`UPDATE media_objects SET refs_count = GREATEST(refs_count - sub.n, 0)
		 FROM (SELECT file_sha256, COUNT(*) AS n
		         FROM post_media_map WHERE post_id IN (?)
		        GROUP BY file_sha256) sub
		 WHERE media_objects.file_sha256 = sub.file_sha256`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build refs release query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to release media references: %w", err)
	}

	query, args, err = sqlx.In(`DELETE FROM posts WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build purge query: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge posts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AuthorizedIdentities lists accounts that can be polled, each with its
// oldest membership's tenant and tier (matching tenant resolution on
// the read path).
func (q *Queries) AuthorizedIdentities(ctx context.Context) ([]IdentityRow, error) {
	var out []IdentityRow
	if err := q.db.SelectContext(ctx, &out,
		`SELECT DISTINCT ON (i.id)
		        i.id, i.platform_user_id, i.phone, i.session_encrypted,
		        t.slug AS tenant_slug, u.tier
		 FROM identities i
		 JOIN users u ON u.identity_id = i.id
		 JOIN tenants t ON t.id = u.tenant_id
		 WHERE i.auth_status = 'authenticated'
		 ORDER BY i.id, u.created_at ASC`,
	); err != nil {
		return nil, fmt.Errorf("failed to list authorized identities: %w", err)
	}
	return out, nil
}
