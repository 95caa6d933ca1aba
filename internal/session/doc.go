// Package session authenticates against the tracker and keeps one usable
// session per identity: proactive refresh before expiry, exactly one re-auth
// after a server-side de-authentication, and persistence across restarts
// with a verification probe before a restored token is trusted.
package session
