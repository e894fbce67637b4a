package syncer

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/rolo/mailbox"
	"github.com/migadu/rolo/pkg/faults"
)

func wireMessage(headers string, body string) []byte {
	return []byte(strings.ReplaceAll(headers, "\n", "\r\n") + "\r\n\r\n" + body)
}

func TestParseRawPlainText(t *testing.T) {
	raw := &mailbox.RawMessage{
		ProviderID: "m1",
		ThreadID:   "t1",
		LabelIDs:   []string{"INBOX"},
		Snippet:    "quarterly numbers",
		Raw: wireMessage(
			"From: Ada Lovelace <Ada.Lovelace@Example.COM>\n"+
				"To: owner@example.com, Bob <bob@example.com>\n"+
				"Cc: carol@example.com\n"+
				"Subject: Q3 numbers\n"+
				"Date: Mon, 02 Jun 2025 10:00:00 +0000\n"+
				"Content-Type: text/plain; charset=utf-8",
			"Here are the quarterly numbers.\r\n"),
	}

	msg, err := ParseRaw(7, raw)
	require.NoError(t, err)

	assert.Equal(t, int64(7), msg.AccountID)
	assert.Equal(t, "m1", msg.ProviderMessageID)
	assert.Equal(t, "t1", msg.ThreadID)
	assert.Equal(t, "Q3 numbers", msg.Subject)
	assert.Equal(t, "ada.lovelace@example.com", msg.FromEmail)
	assert.Equal(t, "Ada Lovelace", msg.FromName)
	require.Len(t, msg.ToAddrs, 2)
	assert.Equal(t, "bob@example.com", msg.ToAddrs[1].Email)
	require.Len(t, msg.CcAddrs, 1)
	assert.Equal(t, "Here are the quarterly numbers.", msg.BodyText)
	assert.Len(t, msg.ContentHash, 64)
}

func TestParseRawHTMLFallback(t *testing.T) {
	raw := &mailbox.RawMessage{
		ProviderID: "m2",
		Raw: wireMessage(
			"From: bob@example.com\n"+
				"To: owner@example.com\n"+
				"Subject: html only\n"+
				"Date: Mon, 02 Jun 2025 10:00:00 +0000\n"+
				"Content-Type: text/html; charset=utf-8",
			"<html><body><p>Hello from <b>marketing</b></p></body></html>\r\n"),
	}

	msg, err := ParseRaw(7, raw)
	require.NoError(t, err)
	assert.Contains(t, msg.BodyText, "Hello from marketing")
	assert.NotContains(t, msg.BodyText, "<p>")
}

func TestParseRawProviderDateWinsOverHeader(t *testing.T) {
	providerDate := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	raw := &mailbox.RawMessage{
		ProviderID:   "m3",
		InternalDate: providerDate,
		Raw: wireMessage(
			"From: bob@example.com\n"+
				"To: owner@example.com\n"+
				"Subject: dated\n"+
				"Date: Mon, 02 Jun 2025 10:00:00 +0000\n"+
				"Content-Type: text/plain",
			"body\r\n"),
	}

	msg, err := ParseRaw(7, raw)
	require.NoError(t, err)
	assert.True(t, msg.InternalDate.Equal(providerDate))
}

func TestParseRawNoDateIsPermanent(t *testing.T) {
	raw := &mailbox.RawMessage{
		ProviderID: "m4",
		Raw: wireMessage(
			"From: bob@example.com\n"+
				"To: owner@example.com\n"+
				"Subject: undated\n"+
				"Content-Type: text/plain",
			"body\r\n"),
	}

	_, err := ParseRaw(7, raw)
	require.Error(t, err)
	assert.Equal(t, faults.KindPermanent, faults.ClassOf(err))
}

func TestParseRawGarbageIsPermanent(t *testing.T) {
	_, err := ParseRaw(7, &mailbox.RawMessage{
		ProviderID: "m5",
		Raw:        []byte("\x00\x01not a mime message"),
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindPermanent, faults.ClassOf(err))
}

func TestParseRawFromlessBounceKeepsRecipients(t *testing.T) {
	raw := &mailbox.RawMessage{
		ProviderID: "m6",
		Raw: wireMessage(
			"To: owner@example.com\n"+
				"Subject: Delivery Status Notification\n"+
				"Date: Mon, 02 Jun 2025 10:00:00 +0000\n"+
				"Content-Type: text/plain",
			"the message could not be delivered\r\n"),
	}

	msg, err := ParseRaw(7, raw)
	require.NoError(t, err)
	assert.Empty(t, msg.FromEmail)
	require.Len(t, msg.ToAddrs, 1)
}

func TestParseRawCapsBody(t *testing.T) {
	big := strings.Repeat("x", maxBodyBytes+4096)
	raw := &mailbox.RawMessage{
		ProviderID: "m7",
		Raw: wireMessage(
			"From: bob@example.com\n"+
				"To: owner@example.com\n"+
				"Subject: huge\n"+
				"Date: Mon, 02 Jun 2025 10:00:00 +0000\n"+
				"Content-Type: text/plain",
			big),
	}

	msg, err := ParseRaw(7, raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(msg.BodyText), maxBodyBytes,
		fmt.Sprintf("body should be capped at %d bytes", maxBodyBytes))
}
