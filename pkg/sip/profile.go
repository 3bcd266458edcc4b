package sip

import "strings"

// ProfileSelector picks the AI profile for an initial INVITE.
type ProfileSelector func(msg *Message) string

// NewProfileSelector checks, in order: the profile header, the Request-URI
// user when it names a known profile, then fallback. known may be nil, in
// which case the Request-URI is not consulted.
func NewProfileSelector(header, fallback string, known func(string) bool) ProfileSelector {
	return func(msg *Message) string {
		if header != "" {
			if v := strings.TrimSpace(msg.Header(header)); v != "" {
				return v
			}
		}
		if known != nil && msg.RequestURIUser != "" && known(msg.RequestURIUser) {
			return msg.RequestURIUser
		}
		return fallback
	}
}
