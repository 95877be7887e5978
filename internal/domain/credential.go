package domain

import "time"

// BrokerCredential stores a user's exchange API key pair. Key material is
// encrypted at rest; the plaintext never touches the durable store.
type BrokerCredential struct {
	ID              string
	UserID          string
	Label           string
	APIKeyCipher    string // versioned AES-GCM envelope, base64 JSON
	APISecretCipher string
	CreatedAt       time.Time
}

// BrokerKeys is a decrypted API key pair, held in memory only for the
// duration of a broker call or a runtime invocation.
type BrokerKeys struct {
	APIKey    string
	APISecret string
}
