package extract

import (
	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/helpers"
)

// HeaderStrategy reads the address headers. The sender's display name is the
// strongest name evidence there is; recipient display names are almost as
// good, degraded only because senders sometimes mistype them.
type HeaderStrategy struct{}

func (HeaderStrategy) Name() string { return SourceHeaders }

func (HeaderStrategy) Extract(msg *db.Message) []*Candidate {
	var out []*Candidate

	if msg.FromEmail != "" {
		cand := newCandidate(msg.FromEmail)
		name := msg.FromName
		confidence := ConfidenceSender
		if name == "" {
			name = helpers.NameFromLocalPart(msg.FromEmail)
			confidence = ConfidenceLocalGuess
		}
		cand.set(db.FieldName, name, confidence, SourceHeaders)
		out = append(out, cand)
	}

	for _, addrs := range [][]helpers.ParsedAddress{msg.ToAddrs, msg.CcAddrs, msg.BccAddrs} {
		for _, addr := range addrs {
			if addr.Email == "" {
				continue
			}
			cand := newCandidate(addr.Email)
			name := addr.Name
			confidence := ConfidenceRecipient
			if name == "" {
				name = helpers.NameFromLocalPart(addr.Email)
				confidence = ConfidenceLocalGuess
			}
			cand.set(db.FieldName, name, confidence, SourceHeaders)
			out = append(out, cand)
		}
	}
	return out
}
