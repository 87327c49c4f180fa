package platforms

import (
	"strings"

	"github.com/tinyland-inc/picobridge/pkg/bus"
)

// Markup selects how the author header is emphasised.
type Markup struct {
	BoldOpen  string
	BoldClose string
}

var (
	MarkdownMarkup = Markup{BoldOpen: "**", BoldClose: "**"}
	SlackMarkup    = Markup{BoldOpen: "*", BoldClose: "*"}
	PlainMarkup    = Markup{}
)

// RenderText formats mirrored content as
//
//	**Display Name** [account-uri]: text
//	> attachment-url
func RenderText(c bus.Content, m Markup) string {
	var sb strings.Builder
	name := c.Sender.DisplayName
	if name == "" {
		name = "unknown"
	}
	sb.WriteString(m.BoldOpen)
	sb.WriteString(name)
	sb.WriteString(m.BoldClose)
	if c.Sender.AccountURI != "" {
		sb.WriteString(" [")
		sb.WriteString(c.Sender.AccountURI)
		sb.WriteString("]")
	}
	sb.WriteString(": ")
	sb.WriteString(c.Text)
	for _, att := range c.Attachments {
		sb.WriteString("\n> ")
		if att.URL != "" {
			sb.WriteString(att.URL)
			continue
		}
		sb.WriteString("[")
		sb.WriteString(att.Type)
		sb.WriteString("]")
	}
	return sb.String()
}

// SplitMessage cuts text into chunks of at most maxRunes runes, preferring
// line breaks and then spaces in the second half of each window.
// maxRunes <= 0 disables splitting.
func SplitMessage(text string, maxRunes int) []string {
	runes := []rune(text)
	if maxRunes <= 0 || len(runes) <= maxRunes {
		return []string{text}
	}

	var chunks []string
	for len(runes) > maxRunes {
		cut := maxRunes
		if i := lastIndex(runes[:maxRunes], '\n'); i >= maxRunes/2 {
			cut = i + 1
		} else if i := lastIndex(runes[:maxRunes], ' '); i >= maxRunes/2 {
			cut = i + 1
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
