// Package chat defines the conversation data model shared by every
// routing component: messages with typed content parts, conversations,
// the routing flags a model carries, and citations.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates content parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
	PartFile  PartType = "file_url"
)

// ImageRef references an uploaded or remote image.
type ImageRef struct {
	URL string `json:"url"`
}

// FileRef references an uploaded file.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Extension returns the lower-cased file extension, taken from the
// display name when present and from the URL path otherwise.
func (f FileRef) Extension() string {
	name := f.Name
	if name == "" {
		name = f.URL
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
	}
	return strings.ToLower(path.Ext(name))
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
	FileURL  *FileRef  `json:"file_url,omitempty"`
}

// Content is either plain text or an ordered sequence of typed parts.
// On the wire it is a JSON string or a JSON array, matching what chat
// front ends send.
type Content struct {
	text  string
	parts []ContentPart
}

// Text builds plain-text content.
func Text(s string) Content {
	return Content{text: s}
}

// Parts builds multi-part content.
func Parts(parts ...ContentPart) Content {
	return Content{parts: parts}
}

// IsParts reports whether the content is a part sequence.
func (c Content) IsParts() bool {
	return c.parts != nil
}

// PartList returns the content parts, or nil for plain text.
func (c Content) PartList() []ContentPart {
	return c.parts
}

// String flattens the content to text. Text parts are joined with
// newlines; image and file parts are ignored.
func (c Content) String() string {
	if c.parts == nil {
		return c.text
	}
	texts := make([]string, 0, len(c.parts))
	for _, p := range c.parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.parts != nil {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{text: s}
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []ContentPart{}
		}
		*c = Content{parts: parts}
		return nil
	default:
		return fmt.Errorf("message content must be a string or an array of parts")
	}
}

// Message is a single conversation turn. Messages are treated as
// immutable once appended to a conversation.
type Message struct {
	Role        Role    `json:"role"`
	Content     Content `json:"content"`
	MessageType string  `json:"messageType,omitempty"`
}

// Text returns the flattened text of the message.
func (m Message) Text() string {
	return m.Content.String()
}

// PartCount returns the number of content parts; plain text counts as one.
func (m Message) PartCount() int {
	if m.Content.IsParts() {
		return len(m.Content.parts)
	}
	return 1
}

// HasAttachment reports whether any part is an image or file reference.
func (m Message) HasAttachment() bool {
	for _, p := range m.Content.parts {
		if p.Type == PartImage || p.Type == PartFile {
			return true
		}
	}
	return false
}

// FileRefs returns the file references in part order.
func (m Message) FileRefs() []FileRef {
	var refs []FileRef
	for _, p := range m.Content.parts {
		if p.Type == PartFile && p.FileURL != nil {
			refs = append(refs, *p.FileURL)
		}
	}
	return refs
}

// LastUserMessage returns the most recent user-authored message.
func LastUserMessage(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i], true
		}
	}
	return Message{}, false
}
