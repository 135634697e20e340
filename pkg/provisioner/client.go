package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berthstack/berth/pkg/log"
	"github.com/berthstack/berth/pkg/types"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method names on the external provisioner service. The provisioner is
// a separate process; its service schema is dynamic, so calls carry
// structpb payloads instead of generated stubs.
const (
	methodProvisionDatabase = "/provisioner.Provisioner/ProvisionDatabase"
	methodDeleteDatabase    = "/provisioner.Provisioner/DeleteDatabase"
)

// DefaultTimeout bounds a single provisioner RPC.
const DefaultTimeout = 60 * time.Second

// ErrUnavailable is returned when the circuit breaker is open because
// the provisioner failed repeatedly.
var ErrUnavailable = errors.New("provisioner unavailable")

// Client talks to the external database provisioner over gRPC.
//
// Provision is idempotent from the caller's viewpoint: repeated calls
// for the same (project, engine) return consistent connection info for
// the life of the project; the remote end is responsible for that.
type Client struct {
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// Config holds client configuration.
type Config struct {
	Address string
	Port    int
	// Timeout per RPC; DefaultTimeout when zero.
	Timeout time.Duration
}

// NewClient dials the provisioner endpoint. The connection is lazy;
// failures surface on the first call.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	target := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial provisioner at %s: %w", target, err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "provisioner",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := log.WithComponent("provisioner")
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Client{conn: conn, breaker: breaker, timeout: cfg.Timeout}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Provision requests a database of the given engine for a project and
// returns its connection details.
func (c *Client) Provision(ctx context.Context, project types.ProjectName, engine string) (*types.DatabaseInfo, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"project_name": project.String(),
		"db_type":      engine,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode provision request: %w", err)
	}

	resp, err := c.invoke(ctx, methodProvisionDatabase, req)
	if err != nil {
		return nil, fmt.Errorf("failed to provision %s database for %s: %w", engine, project, err)
	}

	fields := resp.AsMap()
	info := &types.DatabaseInfo{
		Engine:         stringField(fields, "engine"),
		Username:       stringField(fields, "username"),
		Password:       stringField(fields, "password"),
		DatabaseName:   stringField(fields, "database_name"),
		Port:           stringField(fields, "port"),
		AddressPrivate: stringField(fields, "address_private"),
		AddressPublic:  stringField(fields, "address_public"),
	}
	if info.Engine == "" || info.AddressPrivate == "" {
		return nil, fmt.Errorf("provisioner returned incomplete database info for %s", project)
	}
	return info, nil
}

// Delete schedules teardown of the project's database.
func (c *Client) Delete(ctx context.Context, project types.ProjectName) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"project_name": project.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode delete request: %w", err)
	}

	if _, err := c.invoke(ctx, methodDeleteDatabase, req); err != nil {
		return fmt.Errorf("failed to delete database for %s: %w", project, err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp := &structpb.Struct{}
		if err := c.conn.Invoke(callCtx, method, req, resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return out.(*structpb.Struct), nil
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
