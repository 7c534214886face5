package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Chat forwards a free-text question to the backend-hosted language model.
// It uses the long chat timeout since the answer depends on an external model.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return ChatResponse{}, fmt.Errorf("ai chat: empty message")
	}
	params := url.Values{}
	params.Set("message", req.Message)
	if req.Provider != "" {
		params.Set("ai_provider", req.Provider)
	}
	if req.Model != "" {
		params.Set("model", req.Model)
	}

	r, err := c.do(ctx, call{
		op:      "ai chat",
		method:  http.MethodPost,
		path:    "/ai-chat",
		params:  params,
		timeout: c.chatTimeout,
	})
	if err != nil {
		return ChatResponse{}, err
	}

	resp := ChatResponse{
		Response: r.Get("response").String(),
		Provider: r.Get("provider").String(),
		Model:    r.Get("model").String(),
	}
	if resp.Response == "" {
		return ChatResponse{}, &APIError{Op: "ai chat", StatusCode: http.StatusOK, Detail: "no valid answer"}
	}
	return resp, nil
}
