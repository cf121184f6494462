package inference

import "context"

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message. Content is either a string or a []Part,
// matching the OpenAI-compatible wire format.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Part is one element of a multi-part user message.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an http(s) or data: URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart returns a text content part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// ImagePart returns an image content part.
func ImagePart(url string) Part {
	return Part{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// Response is the model's reply.
type Response struct {
	Content string
}

// Proxy invokes one inference backend.
type Proxy interface {
	Call(ctx context.Context, messages []Message) (Response, error)
}
