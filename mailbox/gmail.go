package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/pkg/metrics"
)

// GmailClient implements Client against the Gmail REST API.
type GmailClient struct {
	svc     *gmail.Service
	limiter *Limiter
}

// NewGmailClient builds a client for one account from its stored refresh
// token. The token source refreshes access tokens transparently; a failed
// refresh surfaces as an auth-expired fault on the next call.
func NewGmailClient(ctx context.Context, cfg config.OAuthConfig, refreshToken string, limiter *Limiter) (*GmailClient, error) {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Scopes: []string{gmail.GmailReadonlyScope},
	}
	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return &GmailClient{svc: svc, limiter: limiter}, nil
}

func (c *GmailClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Profile returns the mailbox profile; its HistoryID anchors initial sync.
func (c *GmailClient) Profile(ctx context.Context) (*Profile, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	p, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		metrics.MailboxCalls.WithLabelValues("profile", "error").Inc()
		return nil, classify(err)
	}
	metrics.MailboxCalls.WithLabelValues("profile", "ok").Inc()
	return &Profile{
		Email:         p.EmailAddress,
		HistoryID:     strconv.FormatUint(p.HistoryId, 10),
		MessagesTotal: p.MessagesTotal,
	}, nil
}

// ListMessageIDs pages through a mailbox search. query uses Gmail search
// syntax ("after:2024/01/01" etc); empty lists everything.
func (c *GmailClient) ListMessageIDs(ctx context.Context, query, pageToken string, pageSize int) (*Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	call := c.svc.Users.Messages.List("me").MaxResults(int64(pageSize)).Context(ctx)
	if query != "" {
		call = call.Q(query)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		metrics.MailboxCalls.WithLabelValues("list", "error").Inc()
		return nil, classify(err)
	}
	metrics.MailboxCalls.WithLabelValues("list", "ok").Inc()

	page := &Page{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.MessageIDs = append(page.MessageIDs, m.Id)
	}
	return page, nil
}

// ListHistory pages through mailbox changes since startCursor. Only message
// additions are requested; label churn on old mail is noise for ingestion.
func (c *GmailClient) ListHistory(ctx context.Context, startCursor, pageToken string, pageSize int) (*HistoryPage, error) {
	start, err := strconv.ParseUint(startCursor, 10, 64)
	if err != nil {
		return nil, faults.Invariant(fmt.Errorf("non-numeric history cursor %q", startCursor))
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	call := c.svc.Users.History.List("me").
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(int64(pageSize)).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		metrics.MailboxCalls.WithLabelValues("history", "error").Inc()
		return nil, classifyHistory(err)
	}
	metrics.MailboxCalls.WithLabelValues("history", "ok").Inc()

	page := &HistoryPage{
		NextPageToken: resp.NextPageToken,
		HistoryID:     strconv.FormatUint(resp.HistoryId, 10),
	}
	seen := make(map[string]struct{})
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil {
				continue
			}
			if _, dup := seen[added.Message.Id]; dup {
				continue
			}
			seen[added.Message.Id] = struct{}{}
			page.AddedIDs = append(page.AddedIDs, added.Message.Id)
		}
	}
	return page, nil
}

// GetMessage fetches one message in RAW format.
func (c *GmailClient) GetMessage(ctx context.Context, providerID string) (*RawMessage, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	msg, err := c.svc.Users.Messages.Get("me", providerID).Format("raw").Context(ctx).Do()
	if err != nil {
		metrics.MailboxCalls.WithLabelValues("get", "error").Inc()
		return nil, classify(err)
	}
	metrics.MailboxCalls.WithLabelValues("get", "ok").Inc()

	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, faults.Permanent(fmt.Errorf("failed to decode raw message %s: %w", providerID, err))
	}
	return &RawMessage{
		ProviderID:   msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     msg.LabelIds,
		InternalDate: time.UnixMilli(msg.InternalDate),
		Snippet:      msg.Snippet,
		Raw:          raw,
		SizeEstimate: msg.SizeEstimate,
	}, nil
}

// Watch registers a push notification channel to the given Pub/Sub topic.
func (c *GmailClient) Watch(ctx context.Context, topic string) (*WatchResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.svc.Users.Watch("me", &gmail.WatchRequest{TopicName: topic}).Context(ctx).Do()
	if err != nil {
		metrics.MailboxCalls.WithLabelValues("watch", "error").Inc()
		return nil, classify(err)
	}
	metrics.MailboxCalls.WithLabelValues("watch", "ok").Inc()
	return &WatchResult{
		HistoryID: strconv.FormatUint(resp.HistoryId, 10),
		ExpiresAt: time.UnixMilli(resp.Expiration),
	}, nil
}

// StopWatch tears the push channel down at account unlink.
func (c *GmailClient) StopWatch(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		metrics.MailboxCalls.WithLabelValues("stop_watch", "error").Inc()
		return classify(err)
	}
	metrics.MailboxCalls.WithLabelValues("stop_watch", "ok").Inc()
	return nil
}
