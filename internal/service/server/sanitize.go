package server

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var sanitizer *bluemonday.Policy

func init() {
	sanitizer = bluemonday.StrictPolicy()
}

// sanitizeText strips all markup from plaintext the relay stores. Ciphertext
// is never passed through here.
func sanitizeText(s string) string {
	return strings.TrimSpace(sanitizer.Sanitize(s))
}
