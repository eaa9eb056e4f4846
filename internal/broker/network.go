package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/netconn"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

// NetworkBroker services guest TCP/TLS requests against a connection table.
type NetworkBroker struct {
	conns   *netconn.Manager
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewNetworkBroker creates a broker for one execution.
func NewNetworkBroker(conns *netconn.Manager, logger *zap.Logger, metrics *monitoring.Metrics) *NetworkBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkBroker{conns: conns, logger: logger, metrics: metrics}
}

// Run services requests one at a time until the channel is closed, then
// closes every connection the execution left open.
func (b *NetworkBroker) Run(ctx context.Context, requests <-chan types.NetRequest) {
	defer b.conns.CloseAll()

	for req := range requests {
		b.handle(ctx, req)
	}
}

func (b *NetworkBroker) handle(ctx context.Context, req types.NetRequest) {
	switch r := req.(type) {
	case types.TCPConnect:
		h, err := b.conns.Connect(ctx, r.Host, r.Port)
		b.record("tcp_connect", err)
		r.Reply <- types.HandleReply{Handle: h, Err: err}

	case types.TCPRead:
		data, err := b.conns.Read(ctx, r.Handle, r.Len, false)
		b.record("tcp_read", err)
		r.Reply <- types.ReadReply{Data: data, Err: err}

	case types.TCPWrite:
		n, err := b.conns.Write(ctx, r.Handle, r.Data, false)
		b.record("tcp_write", err)
		r.Reply <- types.WriteReply{N: n, Err: err}

	case types.TCPClose:
		b.conns.Close(r.Handle)
		b.record("tcp_close", nil)

	case types.TLSUpgrade:
		h, err := b.conns.UpgradeTLS(ctx, r.TCPHandle, r.Hostname)
		b.record("tls_upgrade", err)
		r.Reply <- types.HandleReply{Handle: h, Err: err}

	case types.TLSRead:
		data, err := b.conns.Read(ctx, r.Handle, r.Len, true)
		b.record("tls_read", err)
		r.Reply <- types.ReadReply{Data: data, Err: err}

	case types.TLSWrite:
		n, err := b.conns.Write(ctx, r.Handle, r.Data, true)
		b.record("tls_write", err)
		r.Reply <- types.WriteReply{N: n, Err: err}

	case types.TLSClose:
		b.conns.Close(r.Handle)
		b.record("tls_close", nil)

	default:
		b.logger.Warn("Unknown network request", zap.String("type", typeName(req)))
	}
}

func (b *NetworkBroker) record(op string, err *types.NetError) {
	status := "ok"
	if err != nil {
		status = err.Kind
		b.logger.Debug("Network operation failed",
			zap.String("op", op),
			zap.String("kind", err.Kind),
			zap.String("error", err.Message))
	}
	b.metrics.RecordNetOp(op, status)
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
