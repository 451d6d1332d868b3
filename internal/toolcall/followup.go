package toolcall

import (
	"regexp"
	"strings"
)

const (
	FollowUpBegin = "### FOLLOW_UP_QUESTION"
	FollowUpEnd   = "### END_FOLLOW_UP_QUESTION"
)

var inlineFollowUpRe = regexp.MustCompile(`(?s)\{\{FOLLOW_UP_QUESTION:(.*?)\}\}`)

// FollowUp is a clarifying question the LLM wants the user to answer.
type FollowUp struct {
	Question string
	// Cleaned is the response text with the follow-up marker removed.
	Cleaned string
}

// FindFollowUp looks for a follow-up question marker pair, or the inline
// {{FOLLOW_UP_QUESTION:...}} form. The first marker found wins.
func FindFollowUp(text string) (FollowUp, bool) {
	if start := strings.Index(text, FollowUpBegin); start >= 0 {
		bodyStart := start + len(FollowUpBegin)
		end := len(text)
		question := text[bodyStart:]
		if rel := strings.Index(text[bodyStart:], FollowUpEnd); rel >= 0 {
			question = text[bodyStart : bodyStart+rel]
			end = bodyStart + rel + len(FollowUpEnd)
		}
		question = strings.TrimSpace(question)
		if question != "" {
			return FollowUp{
				Question: question,
				Cleaned:  strings.TrimSpace(text[:start] + text[end:]),
			}, true
		}
	}

	if m := inlineFollowUpRe.FindStringSubmatchIndex(text); m != nil {
		question := strings.TrimSpace(text[m[2]:m[3]])
		if question != "" {
			return FollowUp{
				Question: question,
				Cleaned:  strings.TrimSpace(text[:m[0]] + text[m[1]:]),
			}, true
		}
	}
	return FollowUp{}, false
}
