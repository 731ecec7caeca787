// Package fingerprint produces a deterministic content fingerprint and a
// normalized text form suitable for pattern matching and clause
// positioning (component C1). The fingerprint is a plain SHA-256 over the
// bytes of the whole normalized document, with no separators.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	xhtml "golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"fpai/internal/errkind"
)

// Hash256 is a 256-bit content fingerprint.
type Hash256 [32]byte

func (h Hash256) String() string { return fmt.Sprintf("%x", h[:]) }

// DefaultMaxBytes is the normalize.max_bytes default (2 MiB of UTF-8).
const DefaultMaxBytes = 2 * 1024 * 1024

var whitespaceRun = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
var blankLineRun = regexp.MustCompile(`\n{2,}`)

// Normalizer holds the configured size bound for Normalize.
type Normalizer struct {
	MaxBytes int
}

// NewNormalizer returns a Normalizer with the given byte bound, or
// DefaultMaxBytes when maxBytes <= 0.
func NewNormalizer(maxBytes int) *Normalizer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Normalizer{MaxBytes: maxBytes}
}

// Normalize collapses whitespace runs to single spaces, normalizes to NFC,
// strips HTML to visible text when the input looks like markup, and
// preserves paragraph breaks as single newlines. Case is preserved. The
// result is bounded by MaxBytes; exceeding it fails with InputTooLarge.
func (n *Normalizer) Normalize(raw string) (string, error) {
	text := raw
	if looksLikeHTML(raw) {
		text = stripHTML(raw)
	}

	text = nfc(text)

	// Collapse intra-line whitespace, then collapse runs of blank lines to
	// a single newline so paragraph breaks survive as exactly one \n.
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		l = whitespaceRun.ReplaceAllString(l, " ")
		lines[i] = strings.TrimRight(l, " \t")
	}
	text = strings.Join(lines, "\n")
	text = blankLineRun.ReplaceAllString(text, "\n")
	text = strings.TrimSpace(text)

	if len(text) > n.MaxBytes {
		return "", errkind.Wrap(errkind.InputTooLarge, fmt.Errorf("normalized text is %d bytes, exceeds max %d", len(text), n.MaxBytes))
	}
	return text, nil
}

func looksLikeHTML(s string) bool {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "<") {
		return true
	}
	return strings.Contains(s, "</") || strings.Contains(s, "/>")
}

// stripHTML extracts visible text from an HTML document, dropping script
// and style content and collapsing block-level boundaries to newlines.
func stripHTML(raw string) string {
	tokenizer := xhtml.NewTokenizer(strings.NewReader(raw))
	var sb strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		switch tt {
		case xhtml.ErrorToken:
			return sb.String()
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			tok := tokenizer.Token()
			switch tok.Data {
			case "script", "style", "noscript":
				if tt == xhtml.StartTagToken {
					skipDepth++
				}
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteString("\n")
			}
		case xhtml.EndTagToken:
			tok := tokenizer.Token()
			switch tok.Data {
			case "script", "style", "noscript":
				if skipDepth > 0 {
					skipDepth--
				}
			case "p", "div", "li", "tr":
				sb.WriteString("\n")
			}
		case xhtml.TextToken:
			if skipDepth == 0 {
				sb.WriteString(html.UnescapeString(tokenizer.Token().Data))
			}
		}
	}
}

// nfc applies Unicode NFC normalization so decomposed and precomposed
// forms of the same text fingerprint identically.
func nfc(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return norm.NFC.String(s)
}

// Fingerprint computes the cryptographic content fingerprint of already
// normalized text.
func Fingerprint(normalized string) Hash256 {
	return Hash256(sha256.Sum256([]byte(normalized)))
}

// Excerpt returns the UTF-8-safe substring of normalized between the byte
// offsets start and end, truncated to at most 500 characters. start and end
// must satisfy start < end <= len(normalized) in bytes; otherwise it fails
// with BadRange.
func Excerpt(normalized string, start, end int) (string, error) {
	if start < 0 || end > len(normalized) || start >= end {
		return "", errkind.Wrap(errkind.BadRange, fmt.Errorf("excerpt range [%d,%d) invalid for length %d", start, end, len(normalized)))
	}
	if !utf8.ValidString(normalized[start:end]) {
		return "", errkind.Wrap(errkind.BadRange, fmt.Errorf("excerpt range [%d,%d) splits a UTF-8 rune", start, end))
	}
	excerpt := normalized[start:end]
	const maxRunes = 500
	if utf8.RuneCountInString(excerpt) > maxRunes {
		runes := []rune(excerpt)
		excerpt = string(runes[:maxRunes])
	}
	return excerpt, nil
}
