package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/mcplocal/internal/peer"
	"github.com/mattjoyce/mcplocal/internal/protocol"
	"github.com/mattjoyce/mcplocal/internal/tool"
)

// SyncPeer exposes a peer.Conn through blocking calls routed over a Worker.
type SyncPeer struct {
	conn   *peer.Conn
	worker *Worker
	owned  bool
}

// NewSyncPeer wraps conn. A nil worker gives the peer a private one that
// Close also stops.
func NewSyncPeer(conn *peer.Conn, w *Worker) *SyncPeer {
	owned := false
	if w == nil {
		w = NewWorker()
		owned = true
	}
	return &SyncPeer{conn: conn, worker: w, owned: owned}
}

// Conn returns the wrapped connection.
func (p *SyncPeer) Conn() *peer.Conn { return p.conn }

// Name returns the peer name.
func (p *SyncPeer) Name() string { return p.conn.Name() }

// Start starts the peer.
func (p *SyncPeer) Start() error {
	_, err := p.worker.Do(context.Background(), func(ctx context.Context) (any, error) {
		return nil, p.conn.Start(ctx)
	})
	return err
}

// Stop stops the peer.
func (p *SyncPeer) Stop() error {
	_, err := p.worker.Do(context.Background(), func(ctx context.Context) (any, error) {
		// Stop must complete even while the worker is closing.
		return nil, p.conn.Stop(context.WithoutCancel(ctx))
	})
	return err
}

// State reports the connection state without touching the worker.
func (p *SyncPeer) State() peer.State { return p.conn.State() }

// EnsureStarted starts the peer unless it is already Ready.
func (p *SyncPeer) EnsureStarted() error {
	if p.conn.State() == peer.StateReady {
		return nil
	}
	return p.Start()
}

// ListTools lists the peer's tools.
func (p *SyncPeer) ListTools() ([]tool.Spec, error) {
	return Call(context.Background(), p.worker, p.conn.ListTools)
}

// CallTool invokes one tool on the peer.
func (p *SyncPeer) CallTool(name string, args map[string]any) (json.RawMessage, error) {
	return Call(context.Background(), p.worker, func(ctx context.Context) (json.RawMessage, error) {
		return p.conn.CallTool(ctx, name, args)
	})
}

// Roundtrip forwards a raw envelope.
func (p *SyncPeer) Roundtrip(msg *protocol.Message) (*protocol.Message, error) {
	return Call(context.Background(), p.worker, func(ctx context.Context) (*protocol.Message, error) {
		return p.conn.Roundtrip(ctx, msg)
	})
}

// Close stops the peer and, when the worker is private, the worker too.
func (p *SyncPeer) Close(timeout time.Duration) error {
	err := p.Stop()
	if p.owned {
		err = errors.Join(err, p.worker.Close(timeout))
	}
	return err
}
