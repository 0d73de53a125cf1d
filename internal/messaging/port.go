// Package messaging abstracts the social-messaging platform behind the
// capability surface spec.md §4.3 names: Port. Implementing the
// platform's wire protocol itself is out of scope (spec.md's
// Non-goals); BridgeClient in bridge.go talks to an external bridge
// process over JSON-RPC instead, the same way the teacher's
// internal/signal package talks to signal-cli.
package messaging

import (
	"context"
	"fmt"
	"time"
)

// MediaKind distinguishes the media attached to an outbound or fetched
// message.
type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Media is a single media attachment, already resolved to bytes by the
// caller (e.g. via DownloadPhoto or an LLM Port image generation call).
type Media struct {
	Kind MediaKind
	Data []byte
}

// Message is the platform-neutral shape returned by history fetches and
// send operations.
type Message struct {
	ID        int64
	Channel   string
	Text      string
	HasMedia  bool
	MediaKind MediaKind
	AlbumID   string // shared by messages belonging to the same album, empty otherwise
	FromID    int64  // sender's platform user id, 0 for channel posts with no author
	SentAt    time.Time
	IsBot     bool // true when the sender is a known automated account
}

// Identity is what identify() reports for an authenticated account.
type Identity struct {
	UserID   int64
	Username string
}

// FloodWaitError is returned by any Port call the platform throttles.
// Seconds is the platform-reported backoff window.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("messaging: platform flood wait, retry after %ds", e.Seconds)
}

// Port is the capability surface spec.md §4.3 names. account identifies
// which authenticated session a call should run under — pipelines bind
// to exactly one account (spec.md §3), but a single process holds many.
type Port interface {
	FetchHistorySince(ctx context.Context, account, channel string, minID int64, limit int) ([]Message, error)
	DownloadPhoto(ctx context.Context, account string, msg Message) ([]byte, error)
	SendText(ctx context.Context, account, channel, text string, replyTo int64) (Message, error)
	SendMedia(ctx context.Context, account, channel string, media Media, caption string) (Message, error)
	SendAlbum(ctx context.Context, account, channel string, media []Media, caption string) ([]Message, error)
	SetReaction(ctx context.Context, account, channel string, msgID int64, emoji string) error
	AllowedReactions(ctx context.Context, account, channel string) ([]string, error)
	Identify(ctx context.Context, account string) (Identity, error)
}
