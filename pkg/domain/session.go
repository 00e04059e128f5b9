package domain

import "time"

// UserSession is the decoded identity carried by the client's cookies.
type UserSession struct {
	AuthToken string    `json:"auth_token"`
	Prefix    string    `json:"prefix"`
	Product   string    `json:"product"`
	Site      string    `json:"site"`
	UserEmail string    `json:"user_email"`
	IssuedAt  time.Time `json:"issued_at"`
}

// ExpiresAt returns the instant the session stops being valid.
func (s UserSession) ExpiresAt(window time.Duration) time.Time {
	return s.IssuedAt.Add(window)
}

// Expired reports whether the session has expired at now. A session aged
// exactly window is still valid.
func (s UserSession) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(s.IssuedAt) > window
}
