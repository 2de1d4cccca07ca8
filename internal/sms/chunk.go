// Package sms splits replies into transport-sized messages and delivers them.
package sms

import "unicode/utf8"

const DefaultChunkSize = 1600

// Chunk slices text into consecutive pieces of at most size characters.
// Slicing is fixed-width on runes; words may be split but UTF-8 sequences never are.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}
	var (
		out   []string
		start int
		count int
	)
	for i := range text {
		if count == size {
			out = append(out, text[start:i])
			start = i
			count = 0
		}
		count++
	}
	return append(out, text[start:])
}
