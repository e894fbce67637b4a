// Package mailbox talks to the external mail provider. It exposes a small
// provider-neutral Client interface; the Gmail implementation lives in
// gmail.go. All methods classify their failures with pkg/faults so callers
// can route them without knowing provider error shapes.
package mailbox

import (
	"context"
	"time"
)

// Profile describes the remote mailbox at a point in time. HistoryID is the
// provider's change cursor as of this call.
type Profile struct {
	Email         string
	HistoryID     string
	MessagesTotal int64
}

// Page is one page of message ids from a listing call. An empty NextPageToken
// means the listing is exhausted.
type Page struct {
	MessageIDs    []string
	NextPageToken string
}

// HistoryPage is one page of changed message ids since a cursor. HistoryID is
// the latest cursor observed while walking; committing it acknowledges all
// pages up to here.
type HistoryPage struct {
	AddedIDs      []string
	NextPageToken string
	HistoryID     string
}

// RawMessage is one fetched message in wire form.
type RawMessage struct {
	ProviderID   string
	ThreadID     string
	LabelIDs     []string
	InternalDate time.Time
	Snippet      string
	Raw          []byte
	SizeEstimate int64
}

// WatchResult describes a registered push notification channel.
type WatchResult struct {
	HistoryID string
	ExpiresAt time.Time
}

// Client is the provider surface the sync pipeline runs against.
//
// ListHistory returns consts.ErrCursorExpired (wrapped) when the provider no
// longer holds history for the given cursor; the caller is expected to fall
// back to a rescan.
type Client interface {
	Profile(ctx context.Context) (*Profile, error)
	ListMessageIDs(ctx context.Context, query, pageToken string, pageSize int) (*Page, error)
	ListHistory(ctx context.Context, startCursor, pageToken string, pageSize int) (*HistoryPage, error)
	GetMessage(ctx context.Context, providerID string) (*RawMessage, error)
	Watch(ctx context.Context, topic string) (*WatchResult, error)
	StopWatch(ctx context.Context) error
}
