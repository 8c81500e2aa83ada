// Package catchall implements the catch-all domain model: many
// disposable local-parts under one or more configured domains, all
// landing in a single backend mailbox. Filtering is by exact,
// case-insensitive match on the recipient's To address; the package
// itself never reserves or owns a local-part (spec.md §4.3 — that's a
// collaborator's job, up to ten custom local-parts per user).
package catchall

import "strings"

// Router maps a configured domain to the backend mailbox address that
// receives all of its mail.
type Router struct {
	domains map[string]string // lowercased domain -> backend address
}

// NewRouter builds a Router from a domain -> backend address mapping
// supplied by the collaborator that owns the domain list (spec.md §1,
// §6: "Domain list for the catch-all model is supplied by the
// collaborator, not the environment").
func NewRouter(domainToBackend map[string]string) *Router {
	r := &Router{domains: make(map[string]string, len(domainToBackend))}
	for domain, backend := range domainToBackend {
		r.domains[strings.ToLower(domain)] = backend
	}
	return r
}

// Route returns the backend mailbox address for recipient if its
// domain is one of the configured catch-all domains.
func (r *Router) Route(recipient string) (backend string, ok bool) {
	at := strings.LastIndex(recipient, "@")
	if at < 0 {
		return "", false
	}
	domain := strings.ToLower(recipient[at+1:])
	backend, ok = r.domains[domain]
	return backend, ok
}

// IsDomainAddress reports whether recipient's domain is a configured
// catch-all domain.
func (r *Router) IsDomainAddress(recipient string) bool {
	_, ok := r.Route(recipient)
	return ok
}

// DistinctBackends returns every unique backend mailbox address
// configured across all catch-all domains, used by the aggregation
// path when no specific address is requested (spec.md §4.8).
func (r *Router) DistinctBackends() []string {
	seen := make(map[string]bool, len(r.domains))
	out := make([]string, 0, len(r.domains))
	for _, backend := range r.domains {
		if !seen[backend] {
			seen[backend] = true
			out = append(out, backend)
		}
	}
	return out
}

// Matches reports whether a message's To header matches addr under
// exact, case-insensitive comparison — the only filtering rule the
// catch-all model uses.
func Matches(to, addr string) bool {
	return strings.EqualFold(strings.TrimSpace(to), strings.TrimSpace(addr))
}
