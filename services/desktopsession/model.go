package desktopsession

import (
	"errors"
	"time"
)

// StoredSession is the authentication session the desktop shell restores on start-up
type StoredSession struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is in unix seconds; nil means the session does not expire
	ExpiresAt *int64 `json:"expires_at"`
}

func (s StoredSession) valid() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

func (s StoredSession) expired(now time.Time) bool {
	return s.ExpiresAt != nil && time.Unix(*s.ExpiresAt, 0).Before(now)
}

// sessionRecord is the on-disk layout
type sessionRecord struct {
	Session StoredSession `json:"session"`
	SavedAt time.Time     `json:"savedAt"`
}

var errMissingCapability = errors.New("missing or invalid capability token")

type successResponse struct {
	Success bool `json:"success"`
}
