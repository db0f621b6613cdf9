package vision

// Request shape we send to upstream (OpenAI-style, multi-part content).
type providerChatRequest struct {
	Model     string            `json:"model"`
	Messages  []providerMessage `json:"messages"`
	MaxTokens int               `json:"max_tokens,omitempty"`
}

type providerMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type providerChatChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type providerChatResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []providerChatChoice `json:"choices"`
	Usage   *Usage               `json:"usage,omitempty"`
}

type providerErrorResponse struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}
