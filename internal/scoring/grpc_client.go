package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/riskgate/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ScoreMethod полное имя метода удаленной модели. Вход и выход google.protobuf.Struct.
const ScoreMethod = "/riskgate.scorer.v1.ScorerService/Score"

// GRPCClient ходит в модели по gRPC. Соединения переиспользуются по target.
type GRPCClient struct {
	defaultTarget string
	opts          []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPCClient(defaultTarget string, opts ...grpc.DialOption) *GRPCClient {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCClient{
		defaultTarget: defaultTarget,
		opts:          opts,
		conns:         make(map[string]*grpc.ClientConn),
	}
}

func (c *GRPCClient) Score(ctx context.Context, s *domain.Scorer, tx *domain.Transaction) (float64, error) {
	conn, err := c.conn(s.Endpoint)
	if err != nil {
		return 0, err
	}

	req, err := structpb.NewStruct(Features(s, tx))
	if err != nil {
		return 0, fmt.Errorf("failed to create proto struct: %w", err)
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, ScoreMethod, req, resp); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
			return 0, &ThrottleError{RetryAfter: 5 * time.Millisecond, Cause: err}
		}
		return 0, fmt.Errorf("scorer call failed: %w", err)
	}

	v, ok := resp.GetFields()["score"]
	if !ok {
		return 0, fmt.Errorf("scorer response has no score field")
	}
	return v.GetNumberValue(), nil
}

func (c *GRPCClient) conn(target string) (*grpc.ClientConn, error) {
	if target == "" {
		target = c.defaultTarget
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[target]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(target, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial scorer %s: %w", target, err)
	}
	c.conns[target] = cc
	return cc, nil
}

func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for t, cc := range c.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, t)
	}
	return first
}
