package helpers

import (
	"fmt"
	"net/mail"
	"strings"
)

// SplitEmailAddress splits an address into local part and domain. The
// address is lowercased first; list routing is case-insensitive.
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("invalid email address: %q", email)
	}
	return email[:at], email[at+1:], nil
}

// CanonicalAddress extracts and lowercases the bare address from an RFC
// 5322 address field value ("Display Name <user@example.com>").
func CanonicalAddress(field string) string {
	addr, err := mail.ParseAddress(field)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(field))
	}
	return strings.ToLower(addr.Address)
}
