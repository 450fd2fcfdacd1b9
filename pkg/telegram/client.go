// Package telegram defines the typed contract to the external chat
// platform: the client interface the ingestion worker drives, the error
// taxonomy, and the call-site retry helper. The concrete transport (MTProto
// bridge, bot gateway) plugs in behind the Client interface.
package telegram

import (
	"context"
	"time"
)

// MediaKind classifies a message attachment.
type MediaKind string

// Attachment kinds the pipeline understands.
const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
)

// Media describes one attachment before download.
type Media struct {
	Kind      MediaKind
	MimeType  string
	SizeBytes int64
	FileName  string
}

// Message is one platform message as fetched.
type Message struct {
	ID          int64
	ChannelID   int64
	Text        string
	PostedAt    time.Time
	EditedAt    time.Time
	GroupedID   int64 // album marker; 0 for single messages
	Media       []Media
	IsForward   bool
	ForwardFrom string
	ReplyToID   int64
	Views       int
	Reactions   map[string]int
	Forwards    int
	Replies     int
}

// ReactionsTotal sums all reaction counts.
func (m Message) ReactionsTotal() int {
	n := 0
	for _, c := range m.Reactions {
		n += c
	}
	return n
}

// IterOptions bounds one iter_messages call.
type IterOptions struct {
	Limit      int
	OffsetDate time.Time
	MinID      int64 // skip messages with ID ≤ MinID (high-water mark)
	Reverse    bool
}

// Dialog is one entry from iter_dialogs.
type Dialog struct {
	ChannelID int64
	Username  string
	Title     string
}

// Client is the typed platform client owned by exactly one ingestion
// worker per identity. All methods return the package's typed errors.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// IsAuthorized verifies the session credential is still valid. Doubles
	// as the watchdog's lightweight keep-alive.
	IsAuthorized(ctx context.Context) (bool, error)

	// IterMessages fetches messages from a channel, newest first unless
	// opts.Reverse.
	IterMessages(ctx context.Context, channelID int64, opts IterOptions) ([]Message, error)

	// IterDialogs lists the channels the identity can observe.
	IterDialogs(ctx context.Context) ([]Dialog, error)

	// DownloadMedia streams one attachment's bytes, bounded by maxBytes.
	DownloadMedia(ctx context.Context, msg Message, index int, maxBytes int64) ([]byte, error)
}

// Session carries what a Factory needs to restore one identity's
// connection. The credential stays encrypted until the concrete client
// decrypts it.
type Session struct {
	PlatformUserID   int64
	Phone            string
	SessionEncrypted []byte
}

// Factory builds a Client for one identity. Concrete implementations
// are registered by the binary that links them in; the pipeline only
// depends on the interface.
type Factory func(ctx context.Context, session Session) (Client, error)
