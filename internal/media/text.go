package media

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitText breaks text into pieces of at most maxChars runes. Pieces end on
// sentence boundaries where possible, then on word boundaries. Whitespace
// runs are collapsed. maxChars <= 0 returns the trimmed text as one piece.
func SplitText(text string, maxChars int) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var (
		pieces  []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
		}
	}
	add := func(part string) {
		n := utf8.RuneCountInString(current.String())
		m := utf8.RuneCountInString(part)
		if n > 0 && n+1+m > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(part)
	}

	for _, sentence := range sentences(text) {
		if utf8.RuneCountInString(sentence) <= maxChars {
			add(sentence)
			continue
		}
		for _, word := range strings.Fields(sentence) {
			for utf8.RuneCountInString(word) > maxChars {
				flush()
				r := []rune(word)
				pieces = append(pieces, string(r[:maxChars]))
				word = string(r[maxChars:])
			}
			add(word)
		}
	}
	flush()

	return pieces
}

// sentences splits whitespace-normalized text after terminal punctuation
func sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if !isTerminal(r) {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		out = append(out, strings.TrimSpace(string(runes[start:i+1])))
		start = i + 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', ';':
		return true
	}
	return false
}
