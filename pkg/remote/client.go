package remote

import (
	"context"
	"time"

	"github.com/openbis/dropboxd/pkg/metrics"
	"github.com/openbis/dropboxd/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client talks to an entity store over gRPC
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient creates a client for the store at addr. timeout bounds every
// call; zero leaves calls bounded only by the caller's context.
func NewClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, Error.New("failed to connect to %s: %v", addr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp)
	timer.ObserveDurationVec(metrics.RemoteCallDuration, method)
	metrics.RemoteCallsTotal.WithLabelValues(method, status.Code(err).String()).Inc()

	return fromStatus(err)
}

func (c *Client) DrawRegistrationID(ctx context.Context) (types.RegistrationID, error) {
	var resp DrawRegistrationIDResponse
	if err := c.invoke(ctx, "DrawRegistrationID", &DrawRegistrationIDRequest{}, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *Client) CreateDataSetCode(ctx context.Context) (string, error) {
	var resp CreateDataSetCodeResponse
	if err := c.invoke(ctx, "CreateDataSetCode", &CreateDataSetCodeRequest{}, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}

func (c *Client) RegisterMetadata(ctx context.Context, id types.RegistrationID, mutations *types.Mutations) error {
	return c.invoke(ctx, "RegisterMetadata", &RegisterMetadataRequest{ID: id, Mutations: mutations}, &RegisterMetadataResponse{})
}

func (c *Client) DidEntityOperationsSucceed(ctx context.Context, id types.RegistrationID) (types.EntityOperationsState, error) {
	var resp OperationsStateResponse
	if err := c.invoke(ctx, "DidEntityOperationsSucceed", &OperationsStateRequest{ID: id}, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

func (c *Client) ConfirmStorage(ctx context.Context, code string) (bool, error) {
	var resp ConfirmStorageResponse
	if err := c.invoke(ctx, "ConfirmStorage", &ConfirmStorageRequest{Code: code}, &resp); err != nil {
		return false, err
	}
	return resp.Confirmed, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.invoke(ctx, "Ping", &PingRequest{}, &PingResponse{})
}

var _ EntityStore = (*Client)(nil)
