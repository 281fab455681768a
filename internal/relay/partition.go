package relay

import (
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// DiscordMessageLimit is the maximum content length Discord accepts in a
// single message.
const DiscordMessageLimit = 2000

// Partition splits text into sequential chunks of at most limit characters.
// Splits never land inside a grapheme cluster, so emoji and combining
// sequences survive partitioning intact.
func Partition(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var chunk strings.Builder
	count := 0
	state := -1
	rest := text
	for len(rest) > 0 {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		size := utf8.RuneCountInString(cluster)
		if count > 0 && count+size > limit {
			chunks = append(chunks, chunk.String())
			chunk.Reset()
			count = 0
		}
		chunk.WriteString(cluster)
		count += size
	}
	if chunk.Len() > 0 {
		chunks = append(chunks, chunk.String())
	}
	return chunks
}
