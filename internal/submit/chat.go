package submit

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Encoder turns a chunk of payload text into a request body.
type Encoder func(chunk []byte) ([]byte, error)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
}

// ChatEncoder encodes chunks as chat-completions requests.
func ChatEncoder(model, system string) Encoder {
	return func(chunk []byte) ([]byte, error) {
		req := chatRequest{Model: model}
		if system != "" {
			req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
		}
		req.Messages = append(req.Messages, chatMessage{Role: "user", Content: chunkText(chunk)})
		return json.Marshal(&req)
	}
}

// chunkText converts a chunk to a string. Chunks are cut at byte offsets and
// may split a multi-byte rune; json.Marshal would turn each stray byte into
// U+FFFD, so they are spelled out as \xNN instead.
func chunkText(chunk []byte) string {
	if utf8.Valid(chunk) {
		return string(chunk)
	}
	var b strings.Builder
	b.Grow(len(chunk) + 8)
	for len(chunk) > 0 {
		r, n := utf8.DecodeRune(chunk)
		if r == utf8.RuneError && n == 1 {
			fmt.Fprintf(&b, `\x%02x`, chunk[0])
		} else {
			b.Write(chunk[:n])
		}
		chunk = chunk[n:]
	}
	return b.String()
}

// ReplyText extracts the assistant text from a chat-completions response.
// Bodies in any other shape are returned verbatim.
func ReplyText(body []byte) string {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return string(body)
	}
	var b strings.Builder
	for _, c := range resp.Choices {
		if c.Message.Content != "" {
			b.WriteString(c.Message.Content)
		} else {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}
