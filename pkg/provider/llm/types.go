package llm

import "strings"

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Images holds optional image URLs (usually base64 data URIs) attached to
	// a user message. Only vision-capable roles receive messages with images.
	Images []string
}

// System returns a system-role message.
func System(content string) Message {
	return Message{Role: "system", Content: content}
}

// User returns a user-role message.
func User(content string) Message {
	return Message{Role: "user", Content: content}
}

// Assistant returns an assistant-role message.
func Assistant(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// StripThink removes a leading <think>…</think> wrapper from text and returns
// the remaining content plus the extracted reasoning body. Reasoning models
// that do not populate a separate reasoning field inline their trace this way.
func StripThink(text string) (content, reasoning string) {
	const openTag, closeTag = "<think>", "</think>"
	if !strings.HasPrefix(text, openTag) {
		return text, ""
	}
	end := strings.Index(text, closeTag)
	if end < 0 {
		return text, ""
	}
	reasoning = strings.TrimSpace(text[len(openTag):end])
	content = strings.TrimLeft(text[end+len(closeTag):], " \t\r\n")
	return content, reasoning
}
