// Package registry loads IMAP account credentials from configuration
// at startup and answers identity questions about them. It owns no
// network connections of its own; see internal/imapconn for that.
package registry

import (
	"fmt"
	"strings"

	"github.com/inboxmux/aggregator/internal/credential"
	"github.com/inboxmux/aggregator/internal/model"
)

// gmailHost and outlookHost are the fixed IMAP endpoints for each
// provider family. Both use the standard implicit-TLS port.
const (
	gmailHost   = "imap.gmail.com"
	outlookHost = "outlook.office365.com"
	imapPort    = "993"
)

// entry pairs an Account with the credential handle backing it.
type entry struct {
	account    model.Account
	credential credential.Handle
}

// Registry is the Account Registry. It is built once at startup from
// configuration and never mutated afterward.
type Registry struct {
	byAddress map[string]entry // lowercased address -> entry
	ordered   []model.Account
}

// Load parses `addr1:pw1:addr2:pw2:...`-formatted account strings for
// gmail and outlook, plus the legacy single-account EMAIL_USER /
// EMAIL_PASSWORD pair, and stores every credential behind an opaque
// handle. Unknown providers are rejected by construction: callers only
// pass the two recognized strings.
func Load(gmailAccounts, outlookAccounts, legacyUser, legacyPassword string) (*Registry, error) {
	r := &Registry{byAddress: make(map[string]entry)}

	if err := r.loadProvider(model.ProviderGmail, gmailAccounts); err != nil {
		return nil, fmt.Errorf("loading gmail accounts: %w", err)
	}
	if err := r.loadProvider(model.ProviderOutlook, outlookAccounts); err != nil {
		return nil, fmt.Errorf("loading outlook accounts: %w", err)
	}

	if legacyUser != "" && legacyPassword != "" {
		if err := r.add(model.ProviderGmail, legacyUser, legacyPassword); err != nil {
			return nil, fmt.Errorf("loading legacy account: %w", err)
		}
	}

	return r, nil
}

// loadProvider parses one "addr1:pw1:addr2:pw2:..." string for the
// given provider. An empty input is not an error; it simply
// contributes no accounts.
func (r *Registry) loadProvider(provider model.Provider, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ":")
	if len(parts)%2 != 0 {
		return fmt.Errorf("malformed account string: expected addr:pw pairs")
	}

	for i := 0; i < len(parts); i += 2 {
		if err := r.add(provider, parts[i], parts[i+1]); err != nil {
			return err
		}
	}

	return nil
}

func (r *Registry) add(provider model.Provider, address, password string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("empty address")
	}

	key := strings.ToLower(address)
	if _, exists := r.byAddress[key]; exists {
		return fmt.Errorf("duplicate account %q", address)
	}

	host := gmailHost
	if provider == model.ProviderOutlook {
		host = outlookHost
	}

	handle, err := credential.Store("imap:"+key, password)
	if err != nil {
		return fmt.Errorf("storing credential for %q: %w", address, err)
	}

	account := model.Account{
		Address:  address,
		Provider: provider,
		IMAPHost: host,
		IMAPPort: imapPort,
	}

	r.byAddress[key] = entry{account: account, credential: handle}
	r.ordered = append(r.ordered, account)

	return nil
}

// ListAccounts returns every known account in load order.
func (r *Registry) ListAccounts() []model.Account {
	out := make([]model.Account, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// LookupByAddress returns the account whose address matches addr
// case-insensitively.
func (r *Registry) LookupByAddress(addr string) (model.Account, bool) {
	e, ok := r.byAddress[strings.ToLower(addr)]
	return e.account, ok
}

// CredentialsFor returns the opaque credential handle for addr. The
// caller never sees a plaintext password through this path; only
// internal/imapconn and internal/idle call Handle.Password(), at dial
// time.
func (r *Registry) CredentialsFor(addr string) (credential.Handle, bool) {
	e, ok := r.byAddress[strings.ToLower(addr)]
	return e.credential, ok
}
