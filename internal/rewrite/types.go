package rewrite

import "time"

// Rule is a single DNS rewrite entry on the AdGuard Home server: a domain
// and the address or CNAME target it resolves to. Rules are immutable
// values; equality is structural.
type Rule struct {
	Domain string `json:"domain"`
	Answer string `json:"answer"`
}

// ManagedRecord tracks one rule this controller owns. Membership here is
// what authorizes updates and deletes; rules with answers this controller
// never wrote stay unmanaged.
type ManagedRecord struct {
	Rule       Rule      `json:"rule"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// ManagedState maps domain to the record this controller owns for it.
type ManagedState map[string]ManagedRecord

// Clone returns a deep copy of the managed state.
func (m ManagedState) Clone() ManagedState {
	out := make(ManagedState, len(m))
	for domain, record := range m {
		out[domain] = record
	}
	return out
}

// DesiredState maps domain to the answer it should resolve to. Produced
// fresh from discovery each pass, never persisted.
type DesiredState map[string]string

// RemoteState maps domain to answer as reported by the server's rewrite
// list. It is ground truth for a pass and may diverge from ManagedState if
// rules were changed out of band.
type RemoteState map[string]string
