package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls ReviewBotService over an existing connection.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewClient creates a Client. token, if set, is sent as the bearer credential.
func NewClient(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{conn: conn, token: token}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

func (c *Client) OnReviewEvent(ctx context.Context, ev ReviewEvent) (*OnReviewEventResponse, error) {
	var resp OnReviewEventResponse
	if err := c.invoke(ctx, "OnReviewEvent", ev, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) IngestResult(ctx context.Context, req IngestResultRequest) (*IngestResultResponse, error) {
	var resp IngestResultResponse
	if err := c.invoke(ctx, "IngestResult", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RefreshTools(ctx context.Context) error {
	return c.invoke(ctx, "RefreshTools", Empty{}, nil)
}

func (c *Client) RegisterTools(ctx context.Context, req RegisterToolsRequest) (*RegisterToolsResponse, error) {
	var resp RegisterToolsResponse
	if err := c.invoke(ctx, "RegisterTools", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RunManual(ctx context.Context, req RunManualRequest) (*TaskResult, error) {
	var resp TaskResult
	if err := c.invoke(ctx, "RunManual", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
