package repository

import "strings"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes LIKE wildcards so user input matches literally.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// GmailLocalPart strips an optional "@gmail.com" (or any "@...") suffix from a gmail query.
func GmailLocalPart(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	if i := strings.IndexByte(q, '@'); i >= 0 {
		q = q[:i]
	}
	return q
}
