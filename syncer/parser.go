package syncer

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/helpers"
	"github.com/migadu/rolo/mailbox"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/storage"
)

// Body text is capped before storage; contact evidence lives in headers and
// the signature block, not in megabytes of quoted history.
const maxBodyBytes = 256 << 10

// ParseRaw turns a fetched wire message into a storable record. Parse
// failures are permanent faults: the bytes will not get better on retry, so
// the caller quarantines instead.
func ParseRaw(accountID int64, raw *mailbox.RawMessage) (*db.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw.Raw))
	if err != nil || mr == nil {
		return nil, faults.Permanent(fmt.Errorf("unreadable message %s: %w", raw.ProviderID, err))
	}

	header := mr.Header

	var fromEmail, fromName string
	if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
		if normalized, nerr := helpers.NormalizeEmail(addrs[0].Address); nerr == nil {
			fromEmail = normalized
			fromName = strings.TrimSpace(addrs[0].Name)
		}
	}
	if fromEmail == "" {
		// Providers deliver the odd From-less bounce; fall back to raw header
		// parsing before giving up on the sender entirely.
		if parsed := helpers.ParseAddressList(header.Get("From")); len(parsed) > 0 {
			fromEmail = parsed[0].Email
			fromName = parsed[0].Name
		}
	}

	subject, _ := header.Subject()

	msg := &db.Message{
		AccountID:         accountID,
		ProviderMessageID: raw.ProviderID,
		ThreadID:          raw.ThreadID,
		Subject:           subject,
		FromEmail:         fromEmail,
		FromName:          fromName,
		ToAddrs:           helpers.ParseAddressList(header.Get("To")),
		CcAddrs:           helpers.ParseAddressList(header.Get("Cc")),
		BccAddrs:          helpers.ParseAddressList(header.Get("Bcc")),
		Snippet:           raw.Snippet,
		BodyText:          extractBody(mr),
		ContentHash:       storage.ContentHash(raw.Raw),
		Labels:            raw.LabelIDs,
		InternalDate:      raw.InternalDate,
	}
	if msg.InternalDate.IsZero() {
		if date, err := header.Date(); err == nil {
			msg.InternalDate = date
		}
	}
	if msg.InternalDate.IsZero() {
		return nil, faults.Permanent(fmt.Errorf("message %s has no usable date", raw.ProviderID))
	}
	return msg, nil
}

// extractBody walks the MIME tree for the first text/plain part, falling back
// to converted text/html. Broken inner parts end the walk with whatever was
// collected; a truncated body is better than a quarantined message.
func extractBody(mr *mail.Reader) string {
	var textBody, htmlBody string
	for {
		p, err := mr.NextPart()
		if err == io.EOF || err != nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue // attachments carry no contact evidence
		}
		ct, _, err := h.ContentType()
		if err != nil {
			continue
		}
		switch ct {
		case "text/plain":
			if textBody == "" {
				textBody = readCapped(p.Body)
			}
		case "text/html":
			if htmlBody == "" {
				htmlBody = readCapped(p.Body)
			}
		}
		if textBody != "" {
			break
		}
	}

	if textBody == "" && htmlBody != "" {
		textBody = html2text.HTML2Text(htmlBody)
	}
	return strings.TrimSpace(textBody)
}

func readCapped(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return ""
	}
	return string(b)
}
