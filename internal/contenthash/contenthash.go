// Package contenthash provides deterministic HTML canonicalization and
// content-addressed fingerprints. Byte-identical canonical forms plus
// identical metadata always hash to the same fingerprint, across runs and
// processes; the fingerprint string is "sha256:" + 64 lowercase hex.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

// Meta is the stable metadata mixed into a fingerprint. ContentType
// defaults to "text/html".
type Meta struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}

var (
	commentRe    = regexp.MustCompile(`(?s)<!--.*?-->`)
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagNameRe    = regexp.MustCompile(`<\s*/?\s*[A-Za-z][A-Za-z0-9-]*`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	beforeTagRe  = regexp.MustCompile(`\s*<\s*`)
	afterTagRe   = regexp.MustCompile(`\s*>\s*`)

	fingerprintRe = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)
)

// Canonicalize collapses insignificant syntactic variation: comments are
// removed, script and style elements become a single space, whitespace is
// collapsed, tag names are lowercased and whitespace around angle brackets
// is stripped. Canonicalize is idempotent.
func Canonicalize(html string) string {
	out := commentRe.ReplaceAllString(html, "")
	out = scriptRe.ReplaceAllString(out, " ")
	out = styleRe.ReplaceAllString(out, " ")
	out = tagNameRe.ReplaceAllStringFunc(out, func(m string) string {
		return strings.ToLower(whitespaceRe.ReplaceAllString(m, ""))
	})
	out = whitespaceRe.ReplaceAllString(out, " ")
	out = beforeTagRe.ReplaceAllString(out, "<")
	out = afterTagRe.ReplaceAllString(out, ">")
	return strings.TrimSpace(out)
}

// Fingerprint hashes the canonical form of html concatenated with a stable
// JSON encoding of the metadata.
func Fingerprint(html string, meta Meta) string {
	if meta.ContentType == "" {
		meta.ContentType = "text/html"
	}
	// Struct field order makes the JSON stable.
	metaJSON, _ := json.Marshal(meta)

	h := sha256.New()
	h.Write([]byte(Canonicalize(html)))
	h.Write(metaJSON)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether html and meta hash to expected.
func Verify(html string, meta Meta, expected string) bool {
	return Fingerprint(html, meta) == expected
}

// Valid reports whether s has the canonical fingerprint shape.
func Valid(s string) bool {
	return fingerprintRe.MatchString(s)
}

// Sum256 returns "sha256:"-prefixed hex of raw bytes, used for body
// checksums and node hashes where no canonicalization applies.
func Sum256(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
