package server

import "strings"

var emoticons = strings.NewReplacer(
	":smile:", "😊",
	":sad:", "😢",
	":laugh:", "😂",
	":grin:", "😁",
	":cool:", "😎",
	":cry:", "😭",
	":sleeping:", "😴",
	":heart:", "❤️",
	":wink:", "😉",
	":angry:", "😠",
	":surprise:", "😲",
	":thumbsup:", "👍",
	":wave:", "👋",
)

// ReplaceEmoticons substitutes every known :name: code with its emoji.
func ReplaceEmoticons(text string) string {
	return emoticons.Replace(text)
}
