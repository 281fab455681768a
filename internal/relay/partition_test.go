package relay

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionShortTextIsSingleChunk(t *testing.T) {
	assert.Equal(t, []string{"hello"}, Partition("hello", DiscordMessageLimit))
}

func TestPartitionEmptyText(t *testing.T) {
	assert.Nil(t, Partition("", DiscordMessageLimit))
}

func TestPartitionSplitsLongText(t *testing.T) {
	text := strings.Repeat("a", 4500)
	chunks := Partition(text, 2000)
	require.Len(t, chunks, 3)
	assert.Equal(t, 2000, len(chunks[0]))
	assert.Equal(t, 2000, len(chunks[1]))
	assert.Equal(t, 500, len(chunks[2]))
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestPartitionNeverSplitsGraphemeClusters(t *testing.T) {
	// Family emoji: 7 runes in one grapheme cluster.
	family := "\U0001F468‍\U0001F469‍\U0001F467‍\U0001F466"
	text := strings.Repeat(family, 40)
	chunks := Partition(text, 10)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for _, chunk := range chunks {
		assert.Zero(t, utf8.RuneCountInString(chunk)%utf8.RuneCountInString(family))
	}
}

func TestPartitionOversizedClusterStaysWhole(t *testing.T) {
	family := "\U0001F468‍\U0001F469‍\U0001F467‍\U0001F466"
	chunks := Partition(family+family, 1)
	require.Len(t, chunks, 2)
	assert.Equal(t, family, chunks[0])
	assert.Equal(t, family, chunks[1])
}

func TestPartitionPreservesOrder(t *testing.T) {
	text := "0123456789"
	chunks := Partition(text, 3)
	assert.Equal(t, []string{"012", "345", "678", "9"}, chunks)
}
