package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// BatchWriter performs the one multi-statement transaction on the write
// path: upsert identity, membership, and channel, gate on an active
// subscription, then bulk-merge the post rows. Everything else it saves
// (media descriptors, sidecar counters) is deliberately outside that
// transaction.
type BatchWriter struct {
	db  *sqlx.DB
	log *slog.Logger
}

// NewBatchWriter creates a writer over the shared pool.
func NewBatchWriter(db *sqlx.DB) *BatchWriter {
	return &BatchWriter{
		db:  db,
		log: slog.With("component", "batch_writer"),
	}
}

// SavePosts writes one (tenant, channel) batch atomically. On any error
// the whole transaction rolls back and no row is left behind. The
// channel's high-water mark is NOT advanced here; callers advance it
// after this method returns so the mark never runs ahead of a commit.
func (w *BatchWriter) SavePosts(ctx context.Context, user UserDescriptor, channel ChannelDescriptor, posts []PostRecord) (BatchResult, error) {
	var result BatchResult

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1. Tenant, identity, and membership, in FK order.
	var tenantID int64
	if err := tx.QueryRowxContext(ctx,
		`INSERT INTO tenants (slug) VALUES ($1)
		 ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		 RETURNING id`,
		user.TenantSlug,
	).Scan(&tenantID); err != nil {
		return result, fmt.Errorf("failed to upsert tenant %s: %w", user.TenantSlug, err)
	}

	var identityID int64
	if err := tx.QueryRowxContext(ctx,
		`INSERT INTO identities (platform_user_id, phone) VALUES ($1, $2)
		 ON CONFLICT (platform_user_id) DO UPDATE SET
		   phone = COALESCE(NULLIF(EXCLUDED.phone, ''), identities.phone),
		   updated_at = now()
		 RETURNING id`,
		user.PlatformUserID, user.Phone,
	).Scan(&identityID); err != nil {
		return result, fmt.Errorf("failed to upsert identity %d: %w", user.PlatformUserID, err)
	}

	tier := user.Tier
	if tier == "" {
		tier = "free"
	}
	if err := tx.QueryRowxContext(ctx,
		`INSERT INTO users (tenant_id, identity_id, tier) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, identity_id) DO UPDATE SET updated_at = now()
		 RETURNING id`,
		tenantID, identityID, tier,
	).Scan(&result.UserID); err != nil {
		return result, fmt.Errorf("failed to upsert membership: %w", err)
	}
	result.TenantID = tenantID

	// 2. Channel by platform ID.
	var channelStatus string
	if err := tx.QueryRowxContext(ctx,
		`INSERT INTO channels (platform_channel_id, username, title) VALUES ($1, $2, $3)
		 ON CONFLICT (platform_channel_id) DO UPDATE SET
		   username = COALESCE(NULLIF(EXCLUDED.username, ''), channels.username),
		   title = COALESCE(NULLIF(EXCLUDED.title, ''), channels.title),
		   updated_at = now()
		 RETURNING id, status`,
		channel.PlatformChannelID, channel.Username, channel.Title,
	).Scan(&result.ChannelID, &channelStatus); err != nil {
		return result, fmt.Errorf("failed to upsert channel %d: %w", channel.PlatformChannelID, err)
	}

	// 3. Subscription gate. The row is locked so concurrent batches for
	// the same (user, channel) serialize here.
	if err := w.ensureSubscription(ctx, tx, result.UserID, result.ChannelID, channelStatus); err != nil {
		return result, err
	}

	// 4. Bulk merge the posts.
	if len(posts) > 0 {
		result.Posts, err = w.mergePosts(ctx, tx, result.ChannelID, posts)
		if err != nil {
			return result, err
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit batch: %w", err)
	}
	return result, nil
}

// ensureSubscription enforces the active-subscription invariant. An
// absent or inactive subscription is created or reactivated when the
// channel itself is active (system parsing permission); otherwise the
// batch aborts with a sentinel and no posts are written.
func (w *BatchWriter) ensureSubscription(ctx context.Context, tx *sqlx.Tx, userID, channelID int64, channelStatus string) error {
	var (
		subID    int64
		isActive bool
	)
	err := tx.QueryRowxContext(ctx,
		`SELECT id, is_active FROM subscriptions
		 WHERE user_id = $1 AND channel_id = $2
		 FOR UPDATE`,
		userID, channelID,
	).Scan(&subID, &isActive)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if channelStatus != "active" {
			return ErrNoSubscription
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions (user_id, channel_id, is_active) VALUES ($1, $2, TRUE)`,
			userID, channelID,
		); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to lock subscription: %w", err)
	case isActive:
		return nil
	case channelStatus == "active":
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET is_active = TRUE, updated_at = now() WHERE id = $1`,
			subID,
		); err != nil {
			return fmt.Errorf("failed to reactivate subscription: %w", err)
		}
		return nil
	default:
		return ErrSubscriptionInactive
	}
}

// mergePosts bulk-upserts the records. Counters merge with GREATEST so
// they only move forward, text merges with COALESCE(NULLIF(...)) so an
// empty fetch never erases content, and edits flip is_edited when the
// content hash moved. Prior hashes are read first so the caller learns
// which rows genuinely changed.
func (w *BatchWriter) mergePosts(ctx context.Context, tx *sqlx.Tx, channelID int64, posts []PostRecord) ([]PostWriteResult, error) {
	msgIDs := make([]int64, len(posts))
	for i, p := range posts {
		msgIDs[i] = p.PlatformMessageID
	}

	prevHashes := make(map[int64]string, len(posts))
	rows, err := tx.QueryxContext(ctx,
		`SELECT platform_message_id, content_hash FROM posts
		 WHERE channel_id = $1 AND platform_message_id = ANY($2)`,
		channelID, msgIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read prior hashes: %w", err)
	}
	for rows.Next() {
		var msgID int64
		var hash string
		if err := rows.Scan(&msgID, &hash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan prior hash: %w", err)
		}
		prevHashes[msgID] = hash
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read prior hashes: %w", err)
	}

	results := make([]PostWriteResult, 0, len(posts))
	for _, p := range posts {
		var (
			postID   int64
			inserted bool
		)
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO posts (
			   channel_id, platform_message_id, content, content_hash, posted_at,
			   has_media, is_forward, forward_from, is_reply, reply_to_message_id,
			   grouped_id, views, reactions, forwards, replies
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, 0), NULLIF($11, 0), $12, $13, $14, $15)
			 ON CONFLICT (channel_id, platform_message_id) DO UPDATE SET
			   content = COALESCE(NULLIF(EXCLUDED.content, ''), posts.content),
			   content_hash = COALESCE(NULLIF(EXCLUDED.content_hash, ''), posts.content_hash),
			   has_media = posts.has_media OR EXCLUDED.has_media,
			   forward_from = COALESCE(EXCLUDED.forward_from, posts.forward_from),
			   reply_to_message_id = COALESCE(EXCLUDED.reply_to_message_id, posts.reply_to_message_id),
			   grouped_id = COALESCE(EXCLUDED.grouped_id, posts.grouped_id),
			   views = GREATEST(posts.views, EXCLUDED.views),
			   reactions = GREATEST(posts.reactions, EXCLUDED.reactions),
			   forwards = GREATEST(posts.forwards, EXCLUDED.forwards),
			   replies = GREATEST(posts.replies, EXCLUDED.replies),
			   is_edited = posts.is_edited OR (EXCLUDED.content_hash <> '' AND EXCLUDED.content_hash IS DISTINCT FROM posts.content_hash),
			   edited_at = CASE
			     WHEN EXCLUDED.content_hash <> '' AND EXCLUDED.content_hash IS DISTINCT FROM posts.content_hash THEN now()
			     ELSE posts.edited_at
			   END,
			   updated_at = now()
			 RETURNING id, (xmax = 0) AS inserted`,
			channelID, p.PlatformMessageID, p.Content, p.ContentHash, p.PostedAt,
			p.HasMedia, p.IsForward, p.ForwardFrom, p.IsReply, p.ReplyToMessageID,
			p.GroupedID, p.Views, p.Reactions, p.Forwards, p.Replies,
		).Scan(&postID, &inserted)
		if err != nil {
			return nil, fmt.Errorf("failed to merge post %d: %w", p.PlatformMessageID, err)
		}

		prev, existed := prevHashes[p.PlatformMessageID]
		results = append(results, PostWriteResult{
			PostID:            postID,
			PlatformMessageID: p.PlatformMessageID,
			Inserted:          inserted,
			ContentChanged:    existed && p.ContentHash != "" && p.ContentHash != prev,
		})
	}
	return results, nil
}

// AdvanceHighWaterMark moves the channel's HWM forward, never backward.
// Call only after the batch holding the corresponding posts committed.
func (w *BatchWriter) AdvanceHighWaterMark(ctx context.Context, channelID, messageID int64, postedAt time.Time) error {
	_, err := w.db.ExecContext(ctx,
		`UPDATE channels SET
		   high_water_mark = GREATEST(high_water_mark, $2),
		   high_water_mark_at = GREATEST(COALESCE(high_water_mark_at, 'epoch'::timestamptz), $3),
		   updated_at = now()
		 WHERE id = $1`,
		channelID, messageID, postedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to advance high-water mark for channel %d: %w", channelID, err)
	}
	return nil
}

// SaveMediaToCAS records the content-addressed descriptors and map rows
// for one post's media. The reference count moves only when a map row is
// genuinely inserted, keeping refs_count equal to the number of
// references. Failures here never abort the enclosing post write: the
// blobs are durable in the object store and descriptors reconcile later.
func (w *BatchWriter) SaveMediaToCAS(ctx context.Context, postID int64, media []MediaRef) error {
	for _, m := range media {
		role := m.Role
		if role == "" {
			role = "primary"
		}

		if _, err := w.db.ExecContext(ctx,
			`INSERT INTO media_objects (file_sha256, mime_type, size_bytes, s3_key)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (file_sha256) DO UPDATE SET last_seen_at = now()`,
			m.SHA256, m.MimeType, m.SizeBytes, m.S3Key,
		); err != nil {
			return fmt.Errorf("failed to upsert media object %s: %w", m.SHA256, err)
		}

		res, err := w.db.ExecContext(ctx,
			`INSERT INTO post_media_map (post_id, file_sha256, position, role)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT DO NOTHING`,
			postID, m.SHA256, m.Position, role,
		)
		if err != nil {
			return fmt.Errorf("failed to map media %s to post %d: %w", m.SHA256, postID, err)
		}

		if n, err := res.RowsAffected(); err == nil && n > 0 {
			if _, err := w.db.ExecContext(ctx,
				`UPDATE media_objects SET refs_count = refs_count + 1 WHERE file_sha256 = $1`,
				m.SHA256,
			); err != nil {
				return fmt.Errorf("failed to bump refs for %s: %w", m.SHA256, err)
			}
		}
	}
	return nil
}

// ForwardInfo is one forward provenance record.
type ForwardInfo struct {
	FromChannelID int64
	FromMessageID int64
}

// ReactionCount is one reaction kind with its running count.
type ReactionCount struct {
	Reaction string
	Count    int
}

// SaveForwardsReactionsReplies writes the sidecar tables for one post.
// Best-effort: errors are logged and swallowed so sidecar trouble never
// aborts the parent post write.
func (w *BatchWriter) SaveForwardsReactionsReplies(ctx context.Context, postID int64, fwd *ForwardInfo, reactions []ReactionCount, repliesCount int) {
	if fwd != nil {
		if _, err := w.db.ExecContext(ctx,
			`INSERT INTO post_forwards (post_id, forwarded_from_channel, forwarded_from_message_id)
			 VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			postID, fwd.FromChannelID, fwd.FromMessageID,
		); err != nil {
			w.log.Warn("Failed to save forward sidecar", "post_id", postID, "error", err)
		}
	}

	for _, r := range reactions {
		if _, err := w.db.ExecContext(ctx,
			`INSERT INTO post_reactions (post_id, reaction, count)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (post_id, reaction) DO UPDATE SET
			   count = GREATEST(post_reactions.count, EXCLUDED.count),
			   recorded_at = now()`,
			postID, r.Reaction, r.Count,
		); err != nil {
			w.log.Warn("Failed to save reaction sidecar", "post_id", postID, "reaction", r.Reaction, "error", err)
		}
	}

	if repliesCount > 0 {
		if _, err := w.db.ExecContext(ctx,
			`INSERT INTO post_replies (post_id, replies_count, last_reply_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (post_id) DO UPDATE SET
			   replies_count = GREATEST(post_replies.replies_count, EXCLUDED.replies_count),
			   last_reply_at = now()`,
			postID, repliesCount,
		); err != nil {
			w.log.Warn("Failed to save replies sidecar", "post_id", postID, "error", err)
		}
	}
}
