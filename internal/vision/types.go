package vision

import (
	"context"
	"errors"
)

const DefaultModel = "gpt-4o"

// DefaultPrompt is the fixed product-origin analysis prompt.
const DefaultPrompt = "1. Extract the product name from the image.\n" +
	"2. Estimate the production origin of this product using the template: 'country name %', " +
	"listing all relevant countries and their approximate percentages. If you are not sure, " +
	"provide your best guess based on available information, but always include percentage " +
	"estimates with the most likely country first.\n" +
	"3. Specify the country of the headquarters (HQ) of the company.\n" +
	"4. Specify the country where the company pays taxes and receives profit.\n" +
	"Format the answer exactly as in this example (replace with actual product name and countries):\n" +
	"Product Name\n" +
	"Production origin and headquarters:\n" +
	"- Estimated production origin of Product Name: Country1 70%, Country2 30%\n" +
	"- Country of the HQ: CountryName\n" +
	"- Country where the company pays taxes and receives profit: CountryName\n" +
	"If any information is missing, do your best to estimate or leave it blank."

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AnalyzeRequest is one image + prompt submission.
type AnalyzeRequest struct {
	Prompt    string
	Image     []byte
	MediaType string // e.g. image/jpeg; sniffed from Image when not an image type
}

func (r *AnalyzeRequest) Validate() error {
	if r.Prompt == "" {
		return errors.New("prompt is required")
	}
	if len(r.Image) == 0 {
		return errors.New("image is required")
	}
	return nil
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AnalyzeResponse is the model's textual answer.
type AnalyzeResponse struct {
	ID    string
	Model string
	Text  string
	Usage Usage
}

type Client interface {
	Analyze(ctx context.Context, req *AnalyzeRequest) (*AnalyzeResponse, error)
}
