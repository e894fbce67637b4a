package helpers

import "strings"

// MaskEmail redacts the local part of an address for log output, keeping the
// first character and the domain so operators can still correlate entries.
// "jane.doe@example.com" becomes "j***@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
