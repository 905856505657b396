package models

import (
	"fmt"
	"strings"
)

// RenderTranscript renders turns into a single Markdown document. User turns become block quotes,
// assistant turns are written verbatim, followed by their attachments and image results.
func RenderTranscript(title string, turns []Turn) string {
	var sb strings.Builder
	if title != "" {
		sb.WriteString(fmt.Sprintf("# %s\n\n", title))
	}
	for _, t := range turns {
		switch t.Author {
		case AuthorUser:
			for _, line := range strings.Split(t.Text, "\n") {
				sb.WriteString("> ")
				sb.WriteString(line)
				sb.WriteString("\n")
			}
			for _, a := range t.Attachments {
				sb.WriteString(fmt.Sprintf(">\n> Attached: %s (%.1f KB)\n", a.Name, float64(a.Size)/1024))
			}
			sb.WriteString("\n")
		case AuthorAssistant:
			if t.Text != "" {
				sb.WriteString(t.Text)
				sb.WriteString("\n\n")
			}
			if t.Superseded {
				sb.WriteString("_Stopped._\n\n")
			}
			for i, img := range t.Images {
				sb.WriteString(fmt.Sprintf("![Result %d](%s)\n", i+1, img.Src))
			}
			if len(t.Images) > 0 {
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}
