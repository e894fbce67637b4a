package extract

import (
	"strings"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/helpers"
)

// DomainStrategy infers organization from the address domain. A corporate
// domain names the employer with reasonable reliability; freemail domains
// say nothing, and role addresses (info@, support@) describe a mailbox, not
// a person, so their inferences are downscaled further.
type DomainStrategy struct{}

func (DomainStrategy) Name() string { return SourceDomain }

var freemailDomains = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {}, "yahoo.com": {}, "yahoo.co.uk": {},
	"hotmail.com": {}, "outlook.com": {}, "live.com": {}, "msn.com": {},
	"aol.com": {}, "icloud.com": {}, "me.com": {}, "mac.com": {},
	"protonmail.com": {}, "proton.me": {}, "gmx.com": {}, "gmx.de": {},
	"web.de": {}, "mail.com": {}, "zoho.com": {}, "yandex.com": {},
	"yandex.ru": {}, "fastmail.com": {}, "hey.com": {}, "migadu.com": {},
}

var roleLocalParts = map[string]struct{}{
	"info": {}, "support": {}, "sales": {}, "admin": {}, "contact": {},
	"hello": {}, "help": {}, "billing": {}, "noreply": {}, "no-reply": {},
	"donotreply": {}, "do-not-reply": {}, "notifications": {}, "news": {},
	"newsletter": {}, "marketing": {}, "team": {}, "office": {}, "hr": {},
	"jobs": {}, "careers": {}, "security": {}, "abuse": {}, "postmaster": {},
	"webmaster": {}, "root": {},
}

// IsFreemailDomain reports whether the domain is a consumer mail provider.
func IsFreemailDomain(domain string) bool {
	_, ok := freemailDomains[strings.ToLower(domain)]
	return ok
}

// IsRoleAddress reports whether the address is a shared mailbox rather than a
// person.
func IsRoleAddress(email string) bool {
	local, _ := helpers.SplitEmailAddress(email)
	if _, ok := roleLocalParts[local]; ok {
		return true
	}
	// "support+tags@..." is still a role address.
	if base, _, found := strings.Cut(local, "+"); found {
		_, ok := roleLocalParts[base]
		return ok
	}
	return false
}

// CompanyFromDomain turns "mail.acme-corp.co.uk" into "Acme Corp". Returns ""
// for freemail domains.
func CompanyFromDomain(domain string) string {
	domain = strings.ToLower(domain)
	if IsFreemailDomain(domain) {
		return ""
	}

	base := registrableBase(domain)
	if base == "" {
		return ""
	}
	words := strings.FieldsFunc(base, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		if len(w) <= 3 {
			words[i] = strings.ToUpper(w)
		} else {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// registrableBase extracts the organization label: the one left of the public
// suffix, approximated by dropping known second-level suffixes like co.uk.
func registrableBase(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return ""
	}
	// Strip country second-level suffixes (co.uk, com.au, ...).
	last := parts[len(parts)-1]
	second := parts[len(parts)-2]
	if len(parts) >= 3 && len(last) == 2 &&
		(second == "co" || second == "com" || second == "org" || second == "net" || second == "ac" || second == "gov") {
		return parts[len(parts)-3]
	}
	return second
}

func (DomainStrategy) Extract(msg *db.Message) []*Candidate {
	var out []*Candidate
	emit := func(email string) {
		if email == "" {
			return
		}
		_, domain := helpers.SplitEmailAddress(email)
		company := CompanyFromDomain(domain)
		if company == "" {
			return
		}
		confidence := ConfidenceDomain
		if IsRoleAddress(email) {
			confidence = ConfidenceDomain / 2
		}
		cand := newCandidate(email)
		cand.set(db.FieldCompany, company, confidence, SourceDomain)
		out = append(out, cand)
	}

	emit(msg.FromEmail)
	for _, addrs := range [][]helpers.ParsedAddress{msg.ToAddrs, msg.CcAddrs, msg.BccAddrs} {
		for _, a := range addrs {
			emit(a.Email)
		}
	}
	return out
}
