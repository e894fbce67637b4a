// Package extract derives contact candidates from stored messages. Four
// strategies run per message (headers, signature block, body mentions, domain
// intelligence), each producing candidates with per-field confidence scores.
// Candidates for the same address are merged field by field, highest
// confidence winning, and reconciled against stored contacts so that better
// evidence upgrades a field and weaker evidence never downgrades one.
package extract

import (
	"sort"

	"github.com/migadu/rolo/db"
)

// Strategy names, also recorded as field provenance.
const (
	SourceHeaders     = "headers"
	SourceSignature   = "signature"
	SourceBodyMention = "body_mention"
	SourceDomain      = "domain"
	SourceUser        = "user"
)

// Baseline confidences per strategy. Individual fields may be downscaled
// (role addresses, guessed names).
const (
	ConfidenceSender     = 1.0
	ConfidenceRecipient  = 0.9
	ConfidenceSignature  = 0.7
	ConfidenceMention    = 0.5
	ConfidenceDomain     = 0.4
	ConfidenceLocalGuess = 0.4
)

// FieldValue is one scored observation of a contact attribute.
type FieldValue struct {
	Value      string
	Confidence float64
	Source     string
}

// Candidate is one strategy's view of one address in one message.
type Candidate struct {
	Email  string
	Fields map[string]FieldValue
}

func newCandidate(email string) *Candidate {
	return &Candidate{Email: email, Fields: make(map[string]FieldValue)}
}

func (c *Candidate) set(field, value string, confidence float64, source string) {
	if value == "" {
		return
	}
	c.Fields[field] = FieldValue{Value: value, Confidence: confidence, Source: source}
}

// Strategy extracts candidates from one stored message. Strategies must be
// pure: no I/O, no stored state.
type Strategy interface {
	Name() string
	Extract(msg *db.Message) []*Candidate
}

// sourceRank breaks confidence ties deterministically so merge output does
// not depend on strategy execution order.
var sourceRank = map[string]int{
	SourceHeaders:     0,
	SourceSignature:   1,
	SourceBodyMention: 2,
	SourceDomain:      3,
}

func outranks(a, b FieldValue) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	ra, rb := sourceRank[a.Source], sourceRank[b.Source]
	if ra != rb {
		return ra < rb
	}
	return a.Value < b.Value
}

// Merge folds all candidates into one per address. For each field the highest
// confidence observation wins; ties fall back to source rank, so merging is
// commutative.
func Merge(candidates []*Candidate) []*Candidate {
	byEmail := make(map[string]*Candidate)
	for _, cand := range candidates {
		merged, ok := byEmail[cand.Email]
		if !ok {
			merged = newCandidate(cand.Email)
			byEmail[cand.Email] = merged
		}
		for field, incoming := range cand.Fields {
			current, held := merged.Fields[field]
			if !held || outranks(incoming, current) {
				merged.Fields[field] = incoming
			}
		}
	}

	out := make([]*Candidate, 0, len(byEmail))
	for _, c := range byEmail {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}
