package upstream

import (
	"encoding/json"

	"google.golang.org/genai"
)

// GenerationPayload is the provider-shaped request body for a generation
// call: an ordered sequence of turns, each with a role and ordered content
// parts. The wire types come from the provider SDK so the JSON shape always
// matches what the API expects.
type GenerationPayload struct {
	Contents []*genai.Content `json:"contents"`
}

// Translate wraps a prompt into the minimal generation payload: exactly one
// user turn with exactly one text part.
func Translate(prompt string) GenerationPayload {
	return GenerationPayload{
		Contents: []*genai.Content{
			genai.NewContentFromText(prompt, genai.RoleUser),
		},
	}
}

// CandidateText extracts the text of the first part of the first candidate
// from a generation response. Any missing level degrades to "" — empty or
// malformed upstream payloads are an expected outcome, not a failure.
func CandidateText(body []byte) string {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	if len(resp.Candidates) == 0 {
		return ""
	}
	parts := resp.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return ""
	}
	return parts[0].Text
}
