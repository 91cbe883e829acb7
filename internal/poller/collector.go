package poller

import (
	"context"
	"log/slog"

	"github.com/zeromonitor/zeromonitor/internal/models"
	"github.com/zeromonitor/zeromonitor/internal/provider"
	"github.com/zeromonitor/zeromonitor/internal/transport"
)

// nodeCollector binds a node's metrics provider to its persistent
// connection.
type nodeCollector struct {
	provider provider.Provider
	conn     *transport.Conn
}

func (c *nodeCollector) Collect(ctx context.Context) (*models.SystemMetrics, error) {
	return c.provider.Collect(ctx, c.conn)
}

func (c *nodeCollector) Close() error {
	return c.conn.Close()
}

// NewCollectorFactory returns the production CollectorFactory: provider
// selected by the node's OS kind, connection built for its transport with
// the given retry budget.
func NewCollectorFactory(opts transport.DialOptions, maxRetries int, logger *slog.Logger) CollectorFactory {
	return func(node models.Node) (Collector, error) {
		prov, err := provider.ForOS(node.OS)
		if err != nil {
			return nil, err
		}
		dialer, err := transport.NewDialer(node, opts)
		if err != nil {
			return nil, err
		}
		return &nodeCollector{
			provider: prov,
			conn:     transport.NewConn(dialer, maxRetries, logger),
		}, nil
	}
}
