package accountdb

import (
	"regexp"
	"time"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusActive   Status = "active"
	StatusLimited  Status = "limited"
	StatusExpired  Status = "expired"
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusLimited, StatusExpired, StatusDisabled:
		return true
	}
	return false
}

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidUsername reports whether name may be used as an account key.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}

// Account is one row of the accounts table.
type Account struct {
	Username   string
	ExpireUnix int64
	// DataLimit is the quota in bytes; 0 means unlimited.
	DataLimit int64

	UsedTraffic              int64
	LastCapturedTraffic      int64
	ProxyUsedTraffic         int64
	ProxyLastCapturedTraffic int64
	LifetimeUsedTraffic      int64

	Status           Status
	PublicKey        string
	Address          string
	MaxConnections   int
	InstallationIDs  []string
	PanelUUID        string
	ProxyEnabled     bool
	ConnectionString string
	ProxyConfig      string
	HasBeenUnlocked  bool
	CreatedAtUnix    int64
}

// QuotaUsed is the traffic counted against DataLimit.
func (a *Account) QuotaUsed() int64 {
	return a.UsedTraffic + a.ProxyUsedTraffic
}

// TotalTraffic is everything the account ever consumed.
func (a *Account) TotalTraffic() int64 {
	return a.UsedTraffic + a.ProxyUsedTraffic + a.LifetimeUsedTraffic
}

// Expire returns the expiry as a time.
func (a *Account) Expire() time.Time {
	return time.Unix(a.ExpireUnix, 0)
}

// Increment returns the traffic to add given a raw counter reading and the
// previous reading. A counter that went backwards was reset by the daemon
// (restart, re-key) and counts from zero.
func Increment(raw, last int64) int64 {
	if raw >= last {
		return raw - last
	}
	return raw
}

// DeriveStatus computes the status an account should have at now.
// Disabled accounts are left alone.
func DeriveStatus(a *Account, now time.Time) Status {
	switch {
	case a.Status == StatusDisabled:
		return StatusDisabled
	case a.ExpireUnix < now.Unix():
		return StatusExpired
	case a.DataLimit > 0 && a.QuotaUsed() >= a.DataLimit:
		return StatusLimited
	default:
		return StatusActive
	}
}

// DaysLeft is the number of started days until expireUnix, so anything
// expiring later today counts as 1.
func DaysLeft(expireUnix int64, now time.Time) int64 {
	const day = 24 * 60 * 60
	diff := expireUnix - now.Unix()
	d := diff / day
	if diff%day != 0 && diff < 0 {
		d--
	}
	return d + 1
}
