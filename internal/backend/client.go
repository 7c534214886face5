package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/camuig/rohstoff-dashboard/internal/config"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
)

const maxBodyBytes = 8 << 20

// Client talks to the trading backend. Every call carries its own timeout
// chosen by how critical it is: reads, commands, chat.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	readTimeout    time.Duration
	commandTimeout time.Duration
	chatTimeout    time.Duration
	logger         *logger.Logger
}

func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		httpClient:     &http.Client{},
		baseURL:        cfg.APIBaseURL(),
		readTimeout:    cfg.ReadTimeout(),
		commandTimeout: cfg.CommandTimeout(),
		chatTimeout:    cfg.ChatTimeout(),
		logger:         log.Component("backend"),
	}
}

type call struct {
	op      string
	method  string
	path    string
	params  url.Values
	body    any
	timeout time.Duration
}

func (c *Client) do(ctx context.Context, cl call) (gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	var bodyReader io.Reader
	if cl.body != nil {
		payload, err := json.Marshal(cl.body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("%s: encode body: %w", cl.op, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	urlStr := c.baseURL + cl.path
	if len(cl.params) > 0 {
		urlStr += "?" + cl.params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, urlStr, bodyReader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: create request: %w", cl.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, &TransportError{Op: cl.op, Timeout: isTimeout(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return gjson.Result{}, &TransportError{Op: cl.op, Timeout: isTimeout(ctx, err), Err: err}
	}

	c.logger.Debug("backend call",
		"op", cl.op, "method", cl.method, "path", cl.path,
		"status", resp.StatusCode, "duration", time.Since(start).String())

	var parsed gjson.Result
	if gjson.ValidBytes(data) {
		parsed = gjson.ParseBytes(data)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parsed, &APIError{Op: cl.op, StatusCode: resp.StatusCode, Detail: detailOf(parsed)}
	}
	if ok := parsed.Get("success"); ok.Exists() && ok.Type == gjson.False {
		return parsed, &APIError{Op: cl.op, StatusCode: resp.StatusCode, Detail: detailOf(parsed)}
	}
	if len(bytes.TrimSpace(data)) > 0 && !parsed.Exists() {
		return parsed, &APIError{Op: cl.op, StatusCode: resp.StatusCode, Detail: "response is not valid JSON"}
	}

	return parsed, nil
}

func (c *Client) read(ctx context.Context, op, path string, params url.Values) (gjson.Result, error) {
	return c.do(ctx, call{op: op, method: http.MethodGet, path: path, params: params, timeout: c.readTimeout})
}

func (c *Client) command(ctx context.Context, op, method, path string, params url.Values, body any) (gjson.Result, error) {
	return c.do(ctx, call{op: op, method: method, path: path, params: params, body: body, timeout: c.commandTimeout})
}

func detailOf(r gjson.Result) string {
	for _, key := range []string{"detail", "message", "response", "error"} {
		if v := r.Get(key); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	// FastAPI validation errors: {"detail":[{"msg":"..."}]}
	if v := r.Get("detail.0.msg"); v.Exists() {
		return v.String()
	}
	return ""
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
