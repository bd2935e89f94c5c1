package engine

import (
	"regexp"
	"strings"
)

// TitleSystemPrompt asks the engine to name the conversation. The reply must
// be wrapped in the bitk title envelope so ExtractTitle can find it in the
// assistant output regardless of surrounding chatter.
const TitleSystemPrompt = "[SYSTEM TASK] Generate a short title for this conversation.\n" +
	"Reply with only the title, wrapped exactly like this: <bitk><title>Your title here</title></bitk>\n" +
	"Keep it under ten words. Do not run tools and do not modify any files."

// maxTitleLength caps extracted titles before they are written to an issue.
const maxTitleLength = 200

var titlePattern = regexp.MustCompile(`(?s)<bitk><title>(.*?)</title></bitk>`)

// ExtractTitle pulls the first wrapped title out of assistant output, trims
// it, and caps it at 200 characters. Returns "" when no usable title exists.
func ExtractTitle(output string) string {
	match := titlePattern.FindStringSubmatch(output)
	if match == nil {
		return ""
	}
	title := strings.TrimSpace(match[1])
	if title == "" {
		return ""
	}
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength])
	}
	return title
}
