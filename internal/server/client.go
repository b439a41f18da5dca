package server

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/stagecoach/internal/auth"
	"github.com/ChuLiYu/stagecoach/internal/bus"
	"github.com/ChuLiYu/stagecoach/internal/tokens"
	"github.com/ChuLiYu/stagecoach/internal/tracker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a remote coordinator. Errors come back as the same
// sentinels the coordinator returns locally.
type Client struct {
	conn       *grpc.ClientConn
	credential string
}

type ClientOption func(*Client)

// WithCredential sends a bearer credential with every call.
func WithCredential(c string) ClientOption { return func(cl *Client) { cl.credential = c } }

// Dial connects to target. Without dial options the connection is plaintext.
func Dial(target string, dialOpts []grpc.DialOption, opts ...ClientOption) (*Client, error) {
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c := &Client{conn: conn}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	in, err := encode(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if c.credential != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.credential)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(method, err)
	}
	return decode(out, reply)
}

func (c *Client) Advance(ctx context.Context, req AdvanceRequest) (AdvanceReply, error) {
	var reply AdvanceReply
	err := c.invoke(ctx, "Advance", req, &reply)
	return reply, err
}

func (c *Client) GetJob(ctx context.Context, req GetJobRequest) (GetJobReply, error) {
	var reply GetJobReply
	err := c.invoke(ctx, "GetJob", req, &reply)
	return reply, err
}

func (c *Client) IssueToken(ctx context.Context, req IssueTokenRequest) (IssueTokenReply, error) {
	var reply IssueTokenReply
	err := c.invoke(ctx, "IssueToken", req, &reply)
	return reply, err
}

// Complete redeems a token and returns the job's new snapshot.
func (c *Client) Complete(ctx context.Context, token string, output map[string]any) (RedeemReply, error) {
	var reply RedeemReply
	err := c.invoke(ctx, "Redeem", RedeemRequest{Token: token, Output: output}, &reply)
	return reply, err
}

// Redeem satisfies the deferred-work redeemer used by workers.
func (c *Client) Redeem(ctx context.Context, token string, output map[string]any) error {
	_, err := c.Complete(ctx, token, output)
	return err
}

func (c *Client) Route(ctx context.Context, event map[string]any) (RouteReply, error) {
	if event == nil {
		event = map[string]any{}
	}
	var reply RouteReply
	err := c.invoke(ctx, "Route", event, &reply)
	return reply, err
}

// fromStatus maps a status back to the sentinel the server started from.
// Codes shared by several sentinels are disambiguated by method.
func fromStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.Unauthenticated:
		sentinel = auth.ErrUnauthorized
	case codes.InvalidArgument:
		if method == "IssueToken" {
			return fmt.Errorf("%w: %w: %s", tracker.ErrValidation, tokens.ErrValidation, st.Message())
		}
		sentinel = tracker.ErrValidation
	case codes.FailedPrecondition:
		sentinel = tracker.ErrOutOfOrderStage
	case codes.NotFound:
		switch method {
		case "Redeem":
			sentinel = tokens.ErrUnknownToken
		case "Advance":
			sentinel = tracker.ErrUnknownJob
		default:
			sentinel = tracker.ErrNotFound
		}
	case codes.AlreadyExists:
		sentinel = tokens.ErrAlreadyRedeemed
	case codes.DeadlineExceeded:
		if method != "Redeem" {
			return context.DeadlineExceeded
		}
		sentinel = tokens.ErrExpired
	case codes.Unavailable:
		sentinel = bus.ErrPublishFailed
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
