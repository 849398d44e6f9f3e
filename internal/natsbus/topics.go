package natsbus

import (
	"fmt"
	"strings"
)

// Topic patterns for relayed events.

func TopicEventsAgent(agent string) string {
	return fmt.Sprintf("events.agent.%s", subjectToken(agent))
}

const (
	TopicEventsAll        = "events.>"
	TopicEventsAgentsWild = "events.agent.*"
)

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "main"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
