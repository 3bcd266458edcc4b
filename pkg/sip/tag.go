package sip

import (
	"crypto/rand"
	"io"
)

const tagAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultTagLength is the length of generated local tags.
const DefaultTagLength = 8

// TagGenerator produces local tags for new dialogs.
type TagGenerator interface {
	NewTag() (string, error)
}

// TagGeneratorFunc adapts a function to TagGenerator.
type TagGeneratorFunc func() (string, error)

// NewTag calls f.
func (f TagGeneratorFunc) NewTag() (string, error) {
	return f()
}

// RandomTagGenerator draws alphanumeric tags from a cryptographic source.
type RandomTagGenerator struct {
	length int
	source io.Reader
}

// NewRandomTagGenerator returns a generator of tags with the given length.
func NewRandomTagGenerator(length int) *RandomTagGenerator {
	if length <= 0 {
		length = DefaultTagLength
	}
	return &RandomTagGenerator{length: length, source: rand.Reader}
}

// NewTag returns a fresh tag. Bytes at or above 248 are discarded so every
// alphabet symbol is equally likely.
func (g *RandomTagGenerator) NewTag() (string, error) {
	const limit = 256 - 256%len(tagAlphabet)

	tag := make([]byte, 0, g.length)
	buf := make([]byte, g.length*2)
	for len(tag) < g.length {
		if _, err := io.ReadFull(g.source, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			tag = append(tag, tagAlphabet[int(b)%len(tagAlphabet)])
			if len(tag) == g.length {
				break
			}
		}
	}
	return string(tag), nil
}
