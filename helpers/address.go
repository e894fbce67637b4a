package helpers

import (
	"fmt"
	"net/mail"
	"strings"
)

// NormalizeEmail lowercases an address and strips surrounding whitespace and
// display-name decoration. It returns an error if the result is not a
// plausible addr-spec.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("empty address")
	}

	if addr, err := mail.ParseAddress(email); err == nil {
		email = addr.Address
	}

	email = strings.ToLower(strings.Trim(email, "<>"))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("malformed address: %s", email)
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return "", fmt.Errorf("malformed address: %s", email)
	}
	return email, nil
}

// SplitEmailAddress splits a normalized address into local part and domain.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// ParsedAddress is an address taken from a message header.
type ParsedAddress struct {
	Email string
	Name  string
}

// ParseAddressList parses a comma-separated header value (To, Cc, Bcc) into
// normalized addresses with optional display names. Unparseable entries are
// skipped rather than failing the whole list.
func ParseAddressList(header string) []ParsedAddress {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	var out []ParsedAddress
	addrs, err := mail.ParseAddressList(header)
	if err != nil {
		// Fall back to naive splitting for headers real providers emit but
		// net/mail rejects (bare addresses, stray commas).
		for _, part := range strings.Split(header, ",") {
			normalized, nerr := NormalizeEmail(part)
			if nerr != nil {
				continue
			}
			out = append(out, ParsedAddress{Email: normalized})
		}
		return out
	}

	for _, a := range addrs {
		normalized, nerr := NormalizeEmail(a.Address)
		if nerr != nil {
			continue
		}
		out = append(out, ParsedAddress{Email: normalized, Name: strings.TrimSpace(a.Name)})
	}
	return out
}

// NameFromLocalPart derives a human-readable name from the local part of an
// address when no display name is available: "jane.doe" -> "Jane Doe".
func NameFromLocalPart(email string) string {
	local, _ := SplitEmailAddress(email)
	local = strings.NewReplacer(".", " ", "_", " ", "-", " ", "+", " ").Replace(local)

	words := strings.Fields(local)
	kept := words[:0]
	for _, w := range words {
		if isNumeric(w) {
			// Skip pure-numeric fragments such as the "1984" in "jane.doe.1984".
			continue
		}
		kept = append(kept, strings.ToUpper(w[:1])+w[1:])
	}

	return strings.Join(kept, " ")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
