package models

import "fmt"

// FormatStyle is an inline formatting action of the composer toolbar.
type FormatStyle string

const (
	FormatBold   FormatStyle = "bold"
	FormatItalic FormatStyle = "italic"
	FormatLink   FormatStyle = "link"
	FormatList   FormatStyle = "list"
)

// Format wraps the selection [start, end) of text with the Markdown markup of style. It returns
// the new text and the caret position right after the inserted fragment. Offsets are byte offsets
// and are clamped to the text bounds; a reversed selection is swapped.
func Format(text string, start, end int, style FormatStyle) (string, int, error) {
	start = clamp(start, 0, len(text))
	end = clamp(end, 0, len(text))
	if start > end {
		start, end = end, start
	}

	selected := text[start:end]

	var fragment string
	switch style {
	case FormatBold:
		fragment = "**" + selected + "**"
	case FormatItalic:
		fragment = "*" + selected + "*"
	case FormatLink:
		fragment = "[" + selected + "](url)"
	case FormatList:
		fragment = "\n- " + selected
	default:
		return "", 0, fmt.Errorf("unknown format style: %s", style)
	}

	return text[:start] + fragment + text[end:], start + len(fragment), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
