// Package webhook serves the HTTP endpoints Avito and the load balancer call:
// the health probe and the messenger webhook.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/edgard/avito-autoanswer/internal/pipeline"
)

// Payload is a decoded webhook body. Numbers are kept as json.Number.
type Payload map[string]any

// DecodePayload parses body. Invalid or non-object JSON yields an empty payload.
func DecodePayload(r io.Reader) Payload {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil || p == nil {
		return Payload{}
	}
	return p
}

// ParsePayload is DecodePayload over a byte slice.
func ParsePayload(body []byte) Payload {
	return DecodePayload(bytes.NewReader(body))
}

func (p Payload) object(key string) Payload {
	if m, ok := p[key].(map[string]any); ok {
		return m
	}
	return Payload{}
}

// value is payload.value, the message envelope of the v3 webhook.
func (p Payload) value() Payload {
	return p.object("payload").object("value")
}

func (p Payload) str(key string) string {
	return scalar(p[key])
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return ""
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// firstNonEmpty returns the first candidate that is not blank.
func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return c
		}
	}
	return ""
}

// ExtractChatID looks in payload.value.chat_id, chat_id, then chat.id.
func ExtractChatID(p Payload) string {
	return strings.TrimSpace(firstNonEmpty(
		p.value().str("chat_id"),
		p.str("chat_id"),
		p.object("chat").str("id"),
	))
}

// ExtractText looks in payload.value.content.text, payload.value.text,
// message.content.text, message.text, then text.
func ExtractText(p Payload) string {
	v := p.value()
	msg := p.object("message")
	return firstNonEmpty(
		v.object("content").str("text"),
		v.str("text"),
		msg.object("content").str("text"),
		msg.str("text"),
		p.str("text"),
	)
}

// ParseEvent builds the pipeline event carried by p.
func ParseEvent(p Payload) pipeline.Event {
	v := p.value()
	return pipeline.Event{
		ChatID:    ExtractChatID(p),
		Text:      ExtractText(p),
		Direction: firstNonEmpty(v.str("direction"), p.str("direction")),
		AuthorID:  firstNonEmpty(v.str("author_id"), p.str("author_id")),
		Type:      firstNonEmpty(v.str("type"), v.str("message_type"), p.str("type"), p.str("message_type")),
		UserName:  userName(v),
	}
}

func userName(v Payload) string {
	user := v.object("user")
	if len(user) == 0 {
		user = v.object("interlocutor")
	}
	return strings.TrimSpace(firstNonEmpty(user.str("name"), user.str("first_name"), user.str("full_name")))
}
