package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mattjoyce/mcplocal/internal/events"
)

// MethodStats aggregates rpc.* events for one JSON-RPC method.
type MethodStats struct {
	Method    string
	Calls     int
	Failures  int
	LastMS    int64
	TotalMS   int64
	LastError string
	LastAt    time.Time
}

// AvgMS is the mean duration over all calls.
func (s MethodStats) AvgMS() int64 {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalMS / int64(s.Calls)
}

// PeerHealth is the latest peer.health event for one peer.
type PeerHealth struct {
	Peer       string
	State      string
	Tools      int
	DurationMS int64
	Error      string
	At         time.Time
}

// Activity folds the event stream into per-method and per-peer views.
type Activity struct {
	methods map[string]*MethodStats
	peers   map[string]*PeerHealth
	Total   int
	Failed  int
}

func newActivity() *Activity {
	return &Activity{
		methods: make(map[string]*MethodStats),
		peers:   make(map[string]*PeerHealth),
	}
}

type rpcPayload struct {
	Peer       string `json:"peer"`
	Method     string `json:"method"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

type healthPayload struct {
	Peer       string `json:"peer"`
	State      string `json:"state"`
	Tools      int    `json:"tools"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

// Apply records ev. Unknown types and malformed payloads are ignored.
func (a *Activity) Apply(ev events.Event) {
	switch ev.Type {
	case events.TypeRPCForwarded, events.TypeRPCFailed:
		var p rpcPayload
		if json.Unmarshal(ev.Data, &p) != nil || p.Method == "" {
			return
		}
		s, ok := a.methods[p.Method]
		if !ok {
			s = &MethodStats{Method: p.Method}
			a.methods[p.Method] = s
		}
		s.Calls++
		s.LastMS = p.DurationMS
		s.TotalMS += p.DurationMS
		s.LastAt = ev.At
		a.Total++
		if ev.Type == events.TypeRPCFailed {
			s.Failures++
			s.LastError = p.Error
			a.Failed++
		}

	case events.TypePeerHealth:
		var p healthPayload
		if json.Unmarshal(ev.Data, &p) != nil || p.Peer == "" {
			return
		}
		a.peers[p.Peer] = &PeerHealth{
			Peer:       p.Peer,
			State:      p.State,
			Tools:      p.Tools,
			DurationMS: p.DurationMS,
			Error:      p.Error,
			At:         ev.At,
		}
	}
}

// Methods returns the per-method stats, busiest first.
func (a *Activity) Methods() []MethodStats {
	out := make([]MethodStats, 0, len(a.methods))
	for _, s := range a.methods {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Calls != out[j].Calls {
			return out[i].Calls > out[j].Calls
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Peers returns the latest health per peer, by name.
func (a *Activity) Peers() []PeerHealth {
	out := make([]PeerHealth, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
