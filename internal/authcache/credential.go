// Package authcache persists the session credential issued by the salt-api
// login endpoint so that repeated CLI invocations can reuse a live token.
// 凭证缓存：保存登录返回的会话令牌，避免重复登录
package authcache

import (
	"time"
)

// ExpiryMargin is subtracted from the credential lifetime before deciding
// whether a cached credential is still usable. A token that the client
// believes is valid could otherwise be rejected by the server due to clock
// or latency skew.
const ExpiryMargin = 30 * time.Second

// Credential is the session credential returned by a successful login.
// Timestamps are float seconds since the epoch, matching the backend's wire
// format.
type Credential struct {
	Eauth  string   `json:"eauth"`
	Token  string   `json:"token,omitempty"` // absent for kerberos sessions
	Start  float64  `json:"start"`
	Expire float64  `json:"expire"`
	Perms  []string `json:"perms,omitempty"`
	User   string   `json:"user"`
}

// Usable reports whether the credential is still valid at the given time,
// applying the safety margin.
func (c *Credential) Usable(now time.Time) bool {
	if c == nil {
		return false
	}
	return c.Expire > float64(now.Unix())+ExpiryMargin.Seconds()
}

// ExpireTime returns the expiry as a time.Time
func (c *Credential) ExpireTime() time.Time {
	sec := int64(c.Expire)
	nsec := int64((c.Expire - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// Cache stores at most one credential. Get never blocks on user input and
// never returns an error for the "no value" case: absence is the nil
// credential. Only unreadable or malformed storage is an error.
type Cache interface {
	// Get returns the stored credential, or nil when nothing usable is
	// stored. Expired credentials are reported as absent.
	Get() (*Credential, error)

	// Set persists a credential, or clears the stored value when given nil.
	Set(cred *Credential) error
}

// NullCache implements Cache but stores nothing.
// 空实现：总是返回无凭证，写入被丢弃
type NullCache struct{}

// Get always reports absent
func (NullCache) Get() (*Credential, error) { return nil, nil }

// Set discards the credential
func (NullCache) Set(*Credential) error { return nil }
