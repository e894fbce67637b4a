package extract

import (
	"regexp"
	"strings"

	"github.com/migadu/rolo/db"
)

// SignatureStrategy mines the sender's signature block. It locates the block
// with three heuristics, tried in order:
//
//  1. the RFC 3676 delimiter line ("-- ")
//  2. a salutation line ("Best regards," etc) followed by trailing lines
//  3. a short trailing block whose first line looks like a person's name
//
// Everything found is attributed to the message sender.
type SignatureStrategy struct{}

func (SignatureStrategy) Name() string { return SourceSignature }

const maxSignatureLines = 10

var (
	salutationRe = regexp.MustCompile(`(?i)^(best regards|kind regards|warm regards|regards|thanks|thank you|many thanks|cheers|sincerely|best)[,.!]?$`)
	nameLineRe   = regexp.MustCompile(`^\p{Lu}[\p{L}'.-]+(?: \p{Lu}[\p{L}'.-]+){1,3}$`)
	phoneRe      = regexp.MustCompile(`\+?\d[\d\s().-]{6,}\d`)
	titleSplitRe = regexp.MustCompile(`(?i)^(.{2,60}?)\s*(?:\bat\b|[|@•])\s*(.{2,60})$`)
	socialRe     = regexp.MustCompile(`(?i)\bhttps?://(?:www\.)?(?:linkedin\.com|twitter\.com|x\.com|github\.com)/\S+`)
)

var titleWords = []string{
	"engineer", "developer", "manager", "director", "officer", "president",
	"founder", "partner", "consultant", "analyst", "designer", "lead",
	"head of", "vp", "cto", "ceo", "cfo", "coo",
}

func (SignatureStrategy) Extract(msg *db.Message) []*Candidate {
	if msg.FromEmail == "" || msg.BodyText == "" {
		return nil
	}
	sig := findSignature(msg.BodyText)
	if len(sig) == 0 {
		return nil
	}

	cand := newCandidate(msg.FromEmail)

	if nameLineRe.MatchString(sig[0]) {
		cand.set(db.FieldName, sig[0], ConfidenceSignature, SourceSignature)
	}
	for _, line := range sig {
		if m := phoneRe.FindString(line); m != "" {
			if _, held := cand.Fields[db.FieldPhone]; !held {
				cand.set(db.FieldPhone, strings.TrimSpace(m), ConfidenceSignature, SourceSignature)
			}
		}
		if m := socialRe.FindString(line); m != "" {
			if _, held := cand.Fields[db.FieldSocial]; !held {
				cand.set(db.FieldSocial, m, ConfidenceSignature, SourceSignature)
			}
		}
		if m := titleSplitRe.FindStringSubmatch(line); m != nil && looksLikeTitle(m[1]) {
			if _, held := cand.Fields[db.FieldTitle]; !held {
				cand.set(db.FieldTitle, strings.TrimSpace(m[1]), ConfidenceSignature, SourceSignature)
				cand.set(db.FieldCompany, strings.TrimSpace(m[2]), ConfidenceSignature, SourceSignature)
			}
		}
	}

	if len(cand.Fields) == 0 {
		return nil
	}
	return []*Candidate{cand}
}

// findSignature returns the signature block's lines, or nil.
func findSignature(body string) []string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}

	// Delimiter line. The trailing space is significant in RFC 3676 but
	// real clients strip it, so accept both.
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "--" || lines[i] == "-- " {
			return trimBlock(lines[i+1:])
		}
	}

	// Salutation followed by the closing block.
	for i := len(lines) - 1; i >= 0; i-- {
		if salutationRe.MatchString(strings.TrimSpace(lines[i])) {
			return trimBlock(lines[i+1:])
		}
	}

	// Short trailing block opening with a name-shaped line, separated from
	// the body by a blank line.
	block := trailingBlock(lines)
	if len(block) > 0 && len(block) <= 6 && nameLineRe.MatchString(block[0]) {
		return block
	}
	return nil
}

// trailingBlock returns the non-empty lines after the last blank line.
func trailingBlock(lines []string) []string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	start := end
	for start > 0 && strings.TrimSpace(lines[start-1]) != "" {
		start--
	}
	if start == 0 {
		// No blank separator; the whole body is one block, not a signature.
		return nil
	}
	return trimBlock(lines[start:end])
}

func trimBlock(lines []string) []string {
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxSignatureLines {
			break
		}
	}
	return out
}

func looksLikeTitle(s string) bool {
	lower := strings.ToLower(s)
	for _, w := range titleWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
