package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role of a message sent to the completion provider
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a role-tagged chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params holds the sampling parameters of a conversation
type Params struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
}

// ParamNames lists the user-settable sampling parameters in display order.
var ParamNames = []string{"temperature", "top_p", "frequency_penalty", "presence_penalty"}

// Turn is one question/answer exchange. It is stored as a two element
// JSON array so documents written by older deployments stay readable.
type Turn struct {
	Question string
	Answer   string
}

func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{t.Question, t.Answer})
}

func (t *Turn) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("turn must have 2 elements, got %d", len(pair))
	}
	t.Question, t.Answer = pair[0], pair[1]
	return nil
}

// Conversation is one chat session: persona, sampling parameters and history.
type Conversation struct {
	Prefix string `json:"prefix"`
	Params
	Data  []Turn `json:"data"`
	Title string `json:"title,omitempty"`
}

// Clone returns an independent deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Data = make([]Turn, len(c.Data))
	copy(cp.Data, c.Data)
	return &cp
}

// Messages builds the provider message list for asking question next.
func (c *Conversation) Messages(question string) []Message {
	messages := make([]Message, 0, len(c.Data)*2+2)
	messages = append(messages, Message{Role: RoleSystem, Content: c.Prefix})
	for _, turn := range c.Data {
		messages = append(messages,
			Message{Role: RoleUser, Content: turn.Question},
			Message{Role: RoleAssistant, Content: turn.Answer},
		)
	}
	return append(messages, Message{Role: RoleUser, Content: question})
}

// Usage reports token consumption of a completion
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a generated answer
type Completion struct {
	Text  string
	Usage Usage
}

// Image is a generated picture
type Image struct {
	URL  string
	Cost float64
}

// ImageRecord is an entry of a user's image history
type ImageRecord struct {
	Prompt    string    `json:"prompt"`
	URL       string    `json:"url"`
	Cost      float64   `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}
