package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/entityd/internal/fault"
)

// Client sends commands to an entityd node over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client for the node at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Result is a successful command reply.
type Result struct {
	Payload []byte
	Seq     int64
	Events  int
	// Node is the base URL that answered, which differs from BaseURL when
	// the command was redirected to the shard owner.
	Node string
}

// Send posts payload to entityID. A 421 naming the owner's address is
// followed once; other failures come back as *fault.Error.
func (c *Client) Send(ctx context.Context, entityID string, payload []byte) (Result, error) {
	base := c.BaseURL
	for attempt := 0; ; attempt++ {
		res, redirect, err := c.post(ctx, base, entityID, payload)
		if err == nil {
			return res, nil
		}
		if redirect == "" || attempt > 0 {
			return Result{}, err
		}
		base = strings.TrimRight(redirect, "/")
	}
}

func (c *Client) post(ctx context.Context, base, entityID string, payload []byte) (Result, string, error) {
	endpoint := base + "/v1/entities/" + url.PathEscape(entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, "", fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, "", fmt.Errorf("read reply: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		seq, _ := strconv.ParseInt(resp.Header.Get(HeaderSeq), 10, 64)
		events, _ := strconv.Atoi(resp.Header.Get(HeaderEvents))
		return Result{Payload: body, Seq: seq, Events: events, Node: base}, "", nil
	}

	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Code == "" {
		return Result{}, "", fmt.Errorf("post %s: http %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(body))
	}
	fe := &fault.Error{Code: eb.Code, EntityID: entityID, Message: eb.Message, Owner: eb.Owner}
	if eb.Shard != nil {
		fe.Shard = *eb.Shard
	}
	redirect := ""
	if resp.StatusCode == http.StatusMisdirectedRequest {
		fe.OwnerAddr = resp.Header.Get(HeaderOwnerAddr)
		redirect = fe.OwnerAddr
	}
	return Result{}, redirect, fe
}
