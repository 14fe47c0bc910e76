package gparentrpc

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gtopdown"
	"github.com/gorilla/rpc/v2/json2"
)

// Client is a [gtopdown.ParentClient] and [gbottomup.Submitter]
// backed by a JSON-RPC endpoint served by [NewHandler] or a compatible parent.
type Client struct {
	url  string
	http *http.Client
}

var (
	_ gtopdown.ParentClient = (*Client)(nil)
	_ gbottomup.Submitter   = (*Client)(nil)
)

// NewClient returns a client for the endpoint at url.
// If hc is nil, [http.DefaultClient] is used.
func NewClient(url string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{url: url, http: hc}
}

func (c *Client) FinalizedHeight(ctx context.Context) (uint64, error) {
	var reply FinalizedHeightReply
	if err := c.call(ctx, "FinalizedHeight", &FinalizedHeightArgs{}, &reply); err != nil {
		return 0, err
	}
	return reply.Height, nil
}

func (c *Client) MessagesSince(ctx context.Context, height uint64) ([]gtopdown.ParentBlock, error) {
	var reply MessagesSinceReply
	if err := c.call(ctx, "MessagesSince", &MessagesSinceArgs{Height: height}, &reply); err != nil {
		return nil, err
	}
	return reply.Blocks, nil
}

func (c *Client) SubmitCertificate(ctx context.Context, cert gchain.CheckpointCertificate) error {
	return c.call(ctx, "SubmitCertificate", &SubmitCertificateArgs{Certificate: cert}, &SubmitCertificateReply{})
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(ServiceName+"."+method, args)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s request failed with status %s: %w", method, resp.Status, err)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}
