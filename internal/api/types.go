package api

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Peer          string `json:"peer"`
	PeerState     string `json:"peer_state"`
}
