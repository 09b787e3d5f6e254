// Package wordlist provides a minimal deterministic code-words collaborator:
// spec.md section 1 treats the short-code word-list encoding as an external
// collaborator out of scope for the core, but the wormhole state machine
// still needs one default implementation to produce a working code end to
// end. This is that default, not a recommendation for production word
// selection (a real deployment would use the PGP/S/KEY word list the
// original project ships).
package wordlist

import "fmt"

// List supplies the word suffix appended to a channel id to form a code.
type List interface {
	// Words returns length deterministic words for channelID. Calling it
	// twice with the same arguments must return the same words.
	Words(channelID int, length int) []string
}

// Default is a small built-in List adequate for tests and for deployments
// that don't need a large word corpus.
type Default struct{}

var wordSet = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliet", "kilo", "lima", "mike", "november", "oscar", "papa",
	"quebec", "romeo", "sierra", "tango", "uniform", "victor", "whiskey",
	"xray", "yankee", "zulu",
}

// Words derives length words from channelID using a simple positional
// hash so the same (channelID, position) always maps to the same word.
func (Default) Words(channelID int, length int) []string {
	words := make([]string, length)
	for i := 0; i < length; i++ {
		h := hash(channelID, i)
		words[i] = wordSet[h%len(wordSet)]
	}
	return words
}

func hash(channelID, position int) int {
	h := channelID*2654435761 + position*40503
	if h < 0 {
		h = -h
	}
	return h
}

// Join renders channelID and its derived words as a code string
// "<channel_id>-<word1>-<word2>...", per spec.md section 4.4.
func Join(channelID int, words []string) string {
	code := fmt.Sprintf("%d", channelID)
	for _, w := range words {
		code += "-" + w
	}
	return code
}
