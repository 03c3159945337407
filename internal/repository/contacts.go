package repository

import "github.com/acme/campaign-dispatcher/internal/domain"

// DedupeContacts keeps the first occurrence of each phone, preserving order.
func DedupeContacts(contacts []domain.Contact) []domain.Contact {
	seen := make(map[string]struct{}, len(contacts))
	out := make([]domain.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.Phone == "" {
			continue
		}
		if _, dup := seen[c.Phone]; dup {
			continue
		}
		seen[c.Phone] = struct{}{}
		out = append(out, c)
	}
	return out
}
