package db

import (
	"context"
	"time"
)

// Interaction directions, from the account owner's point of view.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Interaction links one message to one contact. The composite key makes
// recording idempotent under message reprocessing.
type Interaction struct {
	MessageID  int64
	ContactID  int64
	Direction  string
	OccurredAt time.Time
	CreatedAt  time.Time
}

// RecordInteraction inserts an interaction edge, reporting whether it is new.
// Replays of the same message land on the primary key and do nothing.
// occurredAt is the message's internal date, denormalized here so stats
// queries skip the messages join.
func (db *Database) RecordInteraction(ctx context.Context, messageID, contactID int64, direction string, occurredAt time.Time) (bool, error) {
	tag, err := db.WritePool.Exec(ctx, `
		INSERT INTO interactions (message_id, contact_id, direction, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, contact_id, direction) DO NOTHING`,
		messageID, contactID, direction, occurredAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InteractionStats are the raw inputs to relationship scoring.
type InteractionStats struct {
	ContactID     int64
	SentCount     int64
	ReceivedCount int64
	FirstSeenAt   *time.Time
	LastSeenAt    *time.Time
}

// GetInteractionStats aggregates a contact's interaction history. Reads from
// the write pool: scoring runs right after recording, and a replica lagging
// even a second would compute stats missing the interaction that triggered it.
func (db *Database) GetInteractionStats(ctx context.Context, contactID int64) (*InteractionStats, error) {
	var s InteractionStats
	s.ContactID = contactID
	err := db.WritePool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE direction = 'outbound'),
			COUNT(*) FILTER (WHERE direction = 'inbound'),
			MIN(occurred_at),
			MAX(occurred_at)
		FROM interactions
		WHERE contact_id = $1`, contactID).Scan(
		&s.SentCount, &s.ReceivedCount, &s.FirstSeenAt, &s.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListInteractionsForContact returns the messages behind a contact's history,
// newest first.
func (db *Database) ListInteractionsForContact(ctx context.Context, contactID int64, limit int) ([]*Interaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT message_id, contact_id, direction, occurred_at, created_at
		FROM interactions
		WHERE contact_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, contactID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var interactions []*Interaction
	for rows.Next() {
		var i Interaction
		if err := rows.Scan(&i.MessageID, &i.ContactID, &i.Direction, &i.OccurredAt, &i.CreatedAt); err != nil {
			return nil, err
		}
		interactions = append(interactions, &i)
	}
	return interactions, rows.Err()
}
