package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/storage"
	"github.com/sluicehq/sluice/pkg/store"
	"github.com/sluicehq/sluice/pkg/telegram"
)

type fakeClient struct {
	iterCalls     int
	siblings      []telegram.Message
	iterErr       error
	downloadErrAt int // 1-based index failing; 0 = none
}

func (f *fakeClient) IterMessages(ctx context.Context, channelID int64, opts telegram.IterOptions) ([]telegram.Message, error) {
	f.iterCalls++
	if f.iterErr != nil {
		return nil, f.iterErr
	}
	return f.siblings, nil
}

func (f *fakeClient) DownloadMedia(ctx context.Context, msg telegram.Message, index int, maxBytes int64) ([]byte, error) {
	if f.downloadErrAt == index+1 {
		return nil, telegram.NewTransient("download", fmt.Errorf("socket timeout"))
	}
	return []byte(fmt.Sprintf("bytes-%d-%d", msg.ID, index)), nil
}

type fakeBlobs struct {
	puts   int
	putErr error
}

func (f *fakeBlobs) PutMedia(ctx context.Context, tenant string, data []byte, mimeType string) (storage.PutResult, error) {
	f.puts++
	if f.putErr != nil {
		return storage.PutResult{}, f.putErr
	}
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	return storage.PutResult{
		SHA256:    sha,
		Key:       storage.MediaKey(tenant, sha, mimeType),
		SizeBytes: int64(len(data)),
	}, nil
}

type fakeCAS struct {
	postID int64
	refs   []store.MediaRef
}

func (f *fakeCAS) SaveMediaToCAS(ctx context.Context, postID int64, media []store.MediaRef) error {
	f.postID = postID
	f.refs = media
	return nil
}

type fakeAlbums struct {
	upserts    int
	lastCount  int
	lastCap    string
	nextID     int64
	items      map[int64][]int64
	itemsOrder []int
}

func (f *fakeAlbums) UpsertAlbum(ctx context.Context, channelID, platformGroupedID int64, itemsCount int, caption, coverSHA string, postedAt time.Time) (int64, error) {
	f.upserts++
	f.lastCount = itemsCount
	f.lastCap = caption
	if f.nextID == 0 {
		f.nextID = 77
	}
	return f.nextID, nil
}

func (f *fakeAlbums) AddAlbumItem(ctx context.Context, albumID, postID int64, position int) error {
	if f.items == nil {
		f.items = map[int64][]int64{}
	}
	f.items[albumID] = append(f.items[albumID], postID)
	f.itemsOrder = append(f.itemsOrder, position)
	return nil
}

func newTestProcessor(t *testing.T, client *fakeClient, blobs *fakeBlobs) (*Processor, *fakeCAS, *fakeAlbums, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.MediaConfig{
		MaxBytesPhoto:         10 << 20,
		MaxBytesDoc:           50 << 20,
		DownloadTimeoutPhotoS: 120,
		DownloadTimeoutDocS:   300,
	}
	albumCfg := &config.AlbumConfig{SearchWindowMinutes: 5, SearchLimit: 10, StateTTLHours: 6}

	cas := &fakeCAS{}
	albums := &fakeAlbums{}
	p := NewProcessor(cfg, albumCfg, client, blobs, cas, albums, eventlog.NewClient(rdb), rdb)
	return p, cas, albums, rdb
}

func photoMsg(id int64, n int) telegram.Message {
	media := make([]telegram.Media, n)
	for i := range media {
		media[i] = telegram.Media{Kind: telegram.MediaPhoto, MimeType: "image/jpeg", SizeBytes: 1024}
	}
	return telegram.Message{ID: id, ChannelID: 900, PostedAt: time.Now(), Media: media}
}

func uploadedEvents(t *testing.T, rdb *redis.Client) []events.VisionUploaded {
	t.Helper()
	entries, err := rdb.XRange(context.Background(), eventlog.StreamKey(events.TopicVisionUploaded), "-", "+").Result()
	require.NoError(t, err)

	var out []events.VisionUploaded
	for _, e := range entries {
		var ev events.VisionUploaded
		require.NoError(t, json.Unmarshal([]byte(e.Values["data"].(string)), &ev))
		out = append(out, ev)
	}
	return out
}

func TestProcess_UploadsAndAnnounces(t *testing.T) {
	client := &fakeClient{}
	blobs := &fakeBlobs{}
	p, cas, _, rdb := newTestProcessor(t, client, blobs)

	res, err := p.Process(context.Background(), Input{
		TenantID: "acme", ChannelID: 3, PlatformChannelID: 900, PostID: 42,
		Msg: photoMsg(1001, 2),
	})
	require.NoError(t, err)

	require.Len(t, res.Files, 2)
	assert.Len(t, res.Files[0].SHA256, 64)
	assert.Equal(t, 2, blobs.puts)
	assert.Equal(t, int64(42), cas.postID)
	require.Len(t, cas.refs, 2)
	assert.Equal(t, 0, cas.refs[0].Position)
	assert.Equal(t, 1, cas.refs[1].Position)

	ups := uploadedEvents(t, rdb)
	require.Len(t, ups, 1)
	assert.Equal(t, "acme", ups[0].TenantID)
	assert.Len(t, ups[0].MediaFiles, 2)
	assert.True(t, ups[0].RequiresVision)
}

func TestProcess_IneligibleMimeStoredWithoutEvent(t *testing.T) {
	client := &fakeClient{}
	blobs := &fakeBlobs{}
	p, cas, _, rdb := newTestProcessor(t, client, blobs)

	msg := telegram.Message{ID: 1002, PostedAt: time.Now(), Media: []telegram.Media{
		{Kind: telegram.MediaDocument, MimeType: "video/mp4", SizeBytes: 2048},
	}}
	res, err := p.Process(context.Background(), Input{
		TenantID: "acme", ChannelID: 3, PlatformChannelID: 900, PostID: 43, Msg: msg,
	})
	require.NoError(t, err)

	assert.Len(t, res.Files, 1)
	assert.Len(t, cas.refs, 1)
	assert.Empty(t, uploadedEvents(t, rdb))
}

func TestProcess_OversizedItemSkipped(t *testing.T) {
	client := &fakeClient{}
	blobs := &fakeBlobs{}
	p, _, _, rdb := newTestProcessor(t, client, blobs)

	msg := telegram.Message{ID: 1003, PostedAt: time.Now(), Media: []telegram.Media{
		{Kind: telegram.MediaPhoto, MimeType: "image/jpeg", SizeBytes: 11 << 20},
	}}
	res, err := p.Process(context.Background(), Input{
		TenantID: "acme", ChannelID: 3, PlatformChannelID: 900, PostID: 44, Msg: msg,
	})
	require.NoError(t, err)

	assert.Empty(t, res.Files)
	assert.Zero(t, blobs.puts)
	assert.Empty(t, uploadedEvents(t, rdb))
}

func TestProcess_QuotaDenialSkipsSilently(t *testing.T) {
	client := &fakeClient{}
	blobs := &fakeBlobs{putErr: &storage.QuotaDeniedError{}}
	p, cas, _, rdb := newTestProcessor(t, client, blobs)

	res, err := p.Process(context.Background(), Input{
		TenantID: "acme", ChannelID: 3, PlatformChannelID: 900, PostID: 45,
		Msg: photoMsg(1004, 1),
	})
	require.NoError(t, err)

	assert.Empty(t, res.Files)
	assert.Empty(t, cas.refs)
	assert.Empty(t, uploadedEvents(t, rdb))
}

func TestProcess_DownloadFailureSkipsOnlyThatItem(t *testing.T) {
	client := &fakeClient{downloadErrAt: 1}
	blobs := &fakeBlobs{}
	p, _, _, rdb := newTestProcessor(t, client, blobs)

	res, err := p.Process(context.Background(), Input{
		TenantID: "acme", ChannelID: 3, PlatformChannelID: 900, PostID: 46,
		Msg: photoMsg(1005, 2),
	})
	require.NoError(t, err)

	require.Len(t, res.Files, 1)
	ups := uploadedEvents(t, rdb)
	require.Len(t, ups, 1)
	assert.Len(t, ups[0].MediaFiles, 1)
}

func TestProcess_AlbumFirstSightSeedsState(t *testing.T) {
	seed := photoMsg(2001, 1)
	seed.GroupedID = 555
	sib1 := photoMsg(2002, 1)
	sib1.GroupedID = 555
	sib1.Text = "album caption"
	stranger := photoMsg(2003, 1)

	client := &fakeClient{siblings: []telegram.Message{seed, sib1, stranger}}
	p, _, albums, rdb := newTestProcessor(t, client, &fakeBlobs{})

	res, err := p.Process(context.Background(), Input{
		TenantID: "acme", ChannelID: 3, PlatformChannelID: 900, PostID: 50, Msg: seed,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(77), res.AlbumID)
	assert.Equal(t, 1, client.iterCalls)
	assert.Equal(t, 2, albums.lastCount)
	assert.Equal(t, "album caption", albums.lastCap)
	assert.Equal(t, []int64{50}, albums.items[77])

	// The fan-in seed went out and the negative cache is set.
	entries, err := rdb.XRange(context.Background(), eventlog.StreamKey(events.TopicAlbumsParsed), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var parsed events.AlbumParsed
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &parsed))
	assert.Equal(t, int64(77), parsed.AlbumID)
	assert.Equal(t, 2, parsed.ItemsCount)

	n, err := rdb.Exists(context.Background(), "album_seen:3:555").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ups := uploadedEvents(t, rdb)
	require.Len(t, ups, 1)
	assert.Equal(t, int64(77), ups[0].AlbumID)
}

func TestProcess_AlbumCacheHitSkipsSiblingFetch(t *testing.T) {
	msg := photoMsg(2005, 1)
	msg.GroupedID = 556
	client := &fakeClient{}
	p, _, albums, rdb := newTestProcessor(t, client, &fakeBlobs{})

	require.NoError(t, rdb.Set(context.Background(), "album_seen:3:556", "1", 0).Err())

	res, err := p.Process(context.Background(), Input{
		TenantID: "acme", ChannelID: 3, PlatformChannelID: 900, PostID: 51, Msg: msg,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(77), res.AlbumID)
	assert.Zero(t, client.iterCalls)
	assert.Equal(t, 1, albums.lastCount)
	assert.Equal(t, []int64{51}, albums.items[77])

	entries, err := rdb.XRange(context.Background(), eventlog.StreamKey(events.TopicAlbumsParsed), "-", "+").Result()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcess_AlbumSiblingFetchFailureLeavesCacheUnset(t *testing.T) {
	msg := photoMsg(2006, 1)
	msg.GroupedID = 557
	client := &fakeClient{iterErr: telegram.NewTransient("iter_messages", fmt.Errorf("rpc error"))}
	p, _, albums, rdb := newTestProcessor(t, client, &fakeBlobs{})

	res, err := p.Process(context.Background(), Input{
		TenantID: "acme", ChannelID: 3, PlatformChannelID: 900, PostID: 52, Msg: msg,
	})
	require.NoError(t, err)

	// Linked with the minimum count; a later sibling retries the fetch.
	assert.Equal(t, int64(77), res.AlbumID)
	assert.Equal(t, 1, albums.lastCount)
	n, err := rdb.Exists(context.Background(), "album_seen:3:557").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
