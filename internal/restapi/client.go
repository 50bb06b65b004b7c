// Package restapi is the request/response side of the backend: history
// pages, pin sets, member lookup and upload signatures.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/model"
)

const defaultTimeout = 15 * time.Second

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client calls the REST API with a bearer token.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
	logger  *zap.Logger
}

// New creates a client for opts.BaseURL.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		timeout: opts.Timeout,
		http: &fasthttp.Client{
			Name:                "parley",
			MaxIdleConnDuration: 30 * time.Second,
			ReadTimeout:         opts.Timeout,
			WriteTimeout:        opts.Timeout,
		},
		logger: logger,
	}
}

func chatPath(key model.ConversationKey, tail string) string {
	return "/api/chats/" + string(key.Kind) + "/" + url.PathEscape(key.ID) + "/" + tail
}

// History fetches one page of history, newest first. Pages start at 1.
func (c *Client) History(ctx context.Context, key model.ConversationKey, page, limit int) (model.HistoryPage, error) {
	if err := key.Validate(); err != nil {
		return model.HistoryPage{}, apperr.Wrap(apperr.CodeValidation, "invalid conversation", err)
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out model.HistoryPage
	if err := c.do(ctx, fasthttp.MethodGet, chatPath(key, "messages")+"?"+q.Encode(), nil, &out); err != nil {
		return model.HistoryPage{}, err
	}
	for i := range out.Messages {
		if out.Messages[i].ConversationKey.IsZero() {
			out.Messages[i].ConversationKey = key
		}
		out.Messages[i].State = model.StateSent
	}
	return out, nil
}

// Pins fetches the pin set of a conversation.
func (c *Client) Pins(ctx context.Context, key model.ConversationKey) ([]model.PinnedEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid conversation", err)
	}
	var out []model.PinnedEntry
	if err := c.do(ctx, fasthttp.MethodGet, chatPath(key, "pins"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Member looks up a platform user.
func (c *Client) Member(ctx context.Context, id string) (model.Member, error) {
	if strings.TrimSpace(id) == "" {
		return model.Member{}, apperr.Validation("member id is required")
	}
	var out model.Member
	if err := c.do(ctx, fasthttp.MethodGet, "/api/members/"+url.PathEscape(id), nil, &out); err != nil {
		return model.Member{}, err
	}
	return out, nil
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(raw)
	}

	if err := c.send(ctx, req, resp); err != nil {
		return apperr.Transport(method+" "+path, err)
	}
	if err := statusError(resp); err != nil {
		c.logger.Debug("api request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()),
		)
		return err
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return apperr.Transport(method+" "+path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// send runs req bounded by both the client timeout and ctx's deadline.
func (c *Client) send(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.http.DoDeadline(req, resp, deadline)
}

func statusError(resp *fasthttp.Response) error {
	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}
	var eb errorBody
	_ = json.Unmarshal(resp.Body(), &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", status)
	}
	if eb.Code != "" {
		return apperr.New(apperr.Code(eb.Code), msg)
	}
	switch status {
	case fasthttp.StatusBadRequest, fasthttp.StatusUnprocessableEntity:
		return apperr.New(apperr.CodeValidation, msg)
	case fasthttp.StatusUnauthorized, fasthttp.StatusForbidden:
		return apperr.New(apperr.CodeForbidden, msg)
	case fasthttp.StatusNotFound:
		return apperr.New(apperr.CodeNotFound, msg)
	case fasthttp.StatusRequestEntityTooLarge:
		return apperr.New(apperr.CodeUploadFailed, msg)
	default:
		return apperr.Wrap(apperr.CodeTransport, "api request failed", fmt.Errorf("status %d: %s", status, msg))
	}
}
