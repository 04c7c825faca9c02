// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package runner

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	publishURLPattern = regexp.MustCompile(`sora\.chatgpt\.com/p/s_[a-zA-Z0-9]{8,}`)
	hasDigit          = regexp.MustCompile(`[0-9]`)
	whitespaceRun     = regexp.MustCompile(`\s+`)
)

const maxCaptionLen = 200

// ValidPublishURL reports whether the URL is an acceptable terminal publish
// result.
func ValidPublishURL(u string) bool {
	return publishURLPattern.MatchString(u) && hasDigit.MatchString(u)
}

// Caption derives the publish caption from the prompt: NFC-normalised,
// whitespace collapsed, bounded length.
func Caption(prompt string) string {
	c := norm.NFC.String(prompt)
	c = whitespaceRun.ReplaceAllString(strings.TrimSpace(c), " ")
	if len(c) > maxCaptionLen {
		cut := c[:maxCaptionLen]
		if i := strings.LastIndexByte(cut, ' '); i > maxCaptionLen/2 {
			cut = cut[:i]
		}
		c = strings.ToValidUTF8(cut, "")
	}
	return c
}
