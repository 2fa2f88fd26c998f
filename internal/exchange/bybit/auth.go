package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// sign produces the X-BAPI-SIGN value for a V5 REST request: hex HMAC-SHA256
// over timestamp + api key + recv window + payload, where payload is the
// query string for GETs and the JSON body for POSTs.
func sign(secret, timestamp, apiKey, recvWindow, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// wsSignature produces the private WebSocket auth signature:
// HMAC-SHA256(secret, "GET/realtime" + expires).
func wsSignature(secret string, expiresMs int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "GET/realtime%d", expiresMs)
	return hex.EncodeToString(mac.Sum(nil))
}
