package relay

import "github.com/omochice/channel-relay/pkg/protocol"

// Anonymous replaces an empty author on received messages.
const Anonymous = "Anonymous"

// ChatMessage is one chat line.
type ChatMessage struct {
	Author string
	Body   string
}

// DisplayAuthor returns the author, or Anonymous when it is empty.
func (m ChatMessage) DisplayAuthor() string {
	if m.Author == "" {
		return Anonymous
	}
	return m.Author
}

// Render formats m as a display line, "Alice: hi".
func Render(m ChatMessage) string {
	return m.DisplayAuthor() + ": " + m.Body
}

func (m ChatMessage) payload() protocol.Payload {
	return protocol.Payload{Name: m.Author, Message: m.Body}
}

// received builds the inbound form of a payload; the author is already
// substituted.
func received(p protocol.Payload) ChatMessage {
	m := ChatMessage{Author: p.Name, Body: p.Message}
	m.Author = m.DisplayAuthor()
	return m
}
