package normalize

import "strings"

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Username trims surrounding whitespace. Usernames keep their case: the
// public profile link is built from the name exactly as registered.
func Username(u string) string {
	return strings.TrimSpace(u)
}

// Identifier normalizes a login identifier, which may be either an email
// address or a username.
func Identifier(id string) string {
	id = strings.TrimSpace(id)
	if strings.Contains(id, "@") {
		return Email(id)
	}
	return id
}
