package domain

import "time"

// WalletSource tags where an equity observation came from.
type WalletSource string

const (
	WalletSourceWS   WalletSource = "WS"
	WalletSourceREST WalletSource = "REST"
)

// WalletSnapshot is one equity observation, appended by the private-WS
// ingest (wallet topic) and the REST snapshotter loop.
type WalletSnapshot struct {
	ID        int64          `json:"id,omitempty"`
	Source    WalletSource   `json:"source"`
	Equity    float64        `json:"equity"`
	Available float64        `json:"available"`
	TsMs      int64          `json:"ts_ms"`
	CreatedAt time.Time      `json:"created_at"`
	Raw       map[string]any `json:"raw,omitempty"`
}
