package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfileSelector(t *testing.T) {
	known := func(name string) bool { return name == "openai" || name == "azure" }
	selector := NewProfileSelector("X-AI-Profile", "deepgram", known)

	withHeader := requestSpec{method: "INVITE", callID: "p1", cseq: 1, extra: []string{"X-AI-Profile: azure"}}
	assert.Equal(t, "azure", selector(withHeader.decode(t)))

	byURI := requestSpec{method: "INVITE", callID: "p2", cseq: 1, reqUser: "openai"}
	assert.Equal(t, "openai", selector(byURI.decode(t)))

	unknownURI := requestSpec{method: "INVITE", callID: "p3", cseq: 1, reqUser: "bot"}
	assert.Equal(t, "deepgram", selector(unknownURI.decode(t)))

	headerWins := requestSpec{method: "INVITE", callID: "p4", cseq: 1, reqUser: "openai", extra: []string{"x-ai-profile: deepgram"}}
	assert.Equal(t, "deepgram", selector(headerWins.decode(t)))
}

func TestProfileSelectorWithoutLookup(t *testing.T) {
	selector := NewProfileSelector("", "default", nil)
	req := requestSpec{method: "INVITE", callID: "p5", cseq: 1, reqUser: "openai"}
	assert.Equal(t, "default", selector(req.decode(t)))
}
