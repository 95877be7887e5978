package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const recvWindow = "5000"

// signHeaders returns the v5 auth headers for one request. The signature is
// HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload) hex-encoded;
// payload is the query string for GETs and the raw JSON body for POSTs.
func signHeaders(apiKey, apiSecret, payload string) map[string]string {
	return signHeadersAt(apiKey, apiSecret, payload, time.Now().UnixMilli())
}

// signHeadersAt is signHeaders with a caller-supplied millisecond timestamp,
// for deterministic tests.
func signHeadersAt(apiKey, apiSecret, payload string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)

	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(ts + apiKey + recvWindow + payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"X-BAPI-API-KEY":     apiKey,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN":        sig,
	}
}
