package mcpserver

import (
	"fmt"
	"strings"

	"github.com/starford/timesnap/internal/capsule"
)

// FormatResourceURI is the resource describing capsule fields.
const FormatResourceURI = "timesnap://capsule-format"

const formatIntro = `# Time Capsule Format

A capsule stays **locked** until its unlock instant. While locked, only the
title, colour, unlock date and sharing list are visible; the description and
media are withheld by every tool.

## Fields

- ` + "`title`" + ` (required): non-blank.
- ` + "`description`" + `: free text, revealed on unlock.
- ` + "`unlock_at`" + `: RFC 3339 instant. Omitted means five years from creation.
  The capsule is unlocked from that instant on (inclusive).
- ` + "`include_time`" + `: when false, only the date part of unlock_at is shown.
- ` + "`shared_with`" + `: e-mail addresses; duplicates are ignored.
- ` + "`media`" + `: photo, video or message (voice note). Supplied to
  create_capsule as a base64 data URI or http(s) URL; the content must match
  the declared type.

## Colours

Give a palette name or an ` + "`r,g,b`" + ` triple of values in [0,1].

| Name | Hex |
|------|-----|
`

// FormatContract returns the markdown contract including the live palette.
func FormatContract() string {
	var b strings.Builder
	b.WriteString(formatIntro)
	for _, nc := range capsule.Palette {
		fmt.Fprintf(&b, "| %s | %s |\n", nc.Name, nc.Color.Hex())
	}
	fmt.Fprintf(&b, "\nThe default colour is %s.\n", capsule.Palette[0].Name)
	return b.String()
}
