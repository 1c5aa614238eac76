package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls estimo.Predictions over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Predict(ctx context.Context, in *PredictRequest, opts ...grpc.CallOption) (*PredictResponse, error) {
	return invoke[PredictResponse](ctx, c, "Predict", in, opts)
}

func (c *Client) PredictBatch(ctx context.Context, in *PredictBatchRequest, opts ...grpc.CallOption) (*PredictBatchResponse, error) {
	return invoke[PredictBatchResponse](ctx, c, "PredictBatch", in, opts)
}

func (c *Client) PredictTags(ctx context.Context, in *PredictTagsRequest, opts ...grpc.CallOption) (*TagsResponse, error) {
	return invoke[TagsResponse](ctx, c, "PredictTags", in, opts)
}

func (c *Client) GetTags(ctx context.Context, opts ...grpc.CallOption) (*TagsResponse, error) {
	return invoke[TagsResponse](ctx, c, "GetTags", &Empty{}, opts)
}

func (c *Client) Refit(ctx context.Context, in *RefitRequest, opts ...grpc.CallOption) (*RefitResponse, error) {
	return invoke[RefitResponse](ctx, c, "Refit", in, opts)
}
