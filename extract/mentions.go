package extract

import (
	"regexp"
	"strings"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/helpers"
)

// BodyMentionStrategy finds addresses written in the message text ("you can
// reach maria at maria@acme.com"). These are third parties the conversation
// refers to, worth capturing but with modest confidence: the text gives no
// guarantee the address is current or even real.
type BodyMentionStrategy struct{}

func (BodyMentionStrategy) Name() string { return SourceBodyMention }

var emailRe = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9._%+-]*@[A-Za-z0-9][A-Za-z0-9.-]*\.[A-Za-z]{2,}`)

const maxMentions = 20

func (BodyMentionStrategy) Extract(msg *db.Message) []*Candidate {
	if msg.BodyText == "" {
		return nil
	}

	headerAddrs := make(map[string]struct{})
	headerAddrs[msg.FromEmail] = struct{}{}
	for _, addrs := range [][]helpers.ParsedAddress{msg.ToAddrs, msg.CcAddrs, msg.BccAddrs} {
		for _, a := range addrs {
			headerAddrs[a.Email] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	var out []*Candidate
	for _, match := range emailRe.FindAllString(msg.BodyText, -1) {
		email, err := helpers.NormalizeEmail(strings.Trim(match, "."))
		if err != nil {
			continue
		}
		// Addresses already in the headers are handled by the header
		// strategy at higher confidence.
		if _, inHeaders := headerAddrs[email]; inHeaders {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}

		// A bare candidate is still useful: the contact row itself is the
		// point even when no fields can be guessed.
		cand := newCandidate(email)
		cand.set(db.FieldName, helpers.NameFromLocalPart(email), ConfidenceLocalGuess, SourceBodyMention)
		out = append(out, cand)
		if len(out) == maxMentions {
			break
		}
	}
	return out
}
