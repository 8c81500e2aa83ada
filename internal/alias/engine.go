// Package alias generates and routes disposable addresses: gmail
// plus-tags and dot-variants, and outlook/hotmail plus-tags. It never
// touches a network connection; it only does string algebra over the
// set of known backend accounts.
package alias

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/inboxmux/aggregator/internal/model"
)

// ErrNotRoutable is returned when a recipient address cannot be mapped
// to any known backend account.
var ErrNotRoutable = errors.New("not routable")

// ErrUnknownBase is returned when GenerateAlias is asked to build an
// alias for a base address the registry doesn't know about.
var ErrUnknownBase = errors.New("unknown base account")

// ErrProviderMismatch is returned when the requested provider doesn't
// match the base account's actual provider.
var ErrProviderMismatch = errors.New("provider mismatch")

var suffixPattern = regexp.MustCompile(`^[a-z0-9_]{2,}$`)

const randomSuffixLen = 6

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Engine generates and routes aliases against a fixed set of backend
// accounts, supplied by the caller (normally the Account Registry's
// ListAccounts()).
type Engine struct {
	accounts []model.Account
}

// New builds an Engine over the given set of backend accounts.
func New(accounts []model.Account) *Engine {
	return &Engine{accounts: accounts}
}

// Route describes the outcome of routing a recipient to a backend.
type Route struct {
	Backend model.Account
	IsAlias bool
}

// GenerateAlias produces a new Alias for base, picking a plus-alias or
// dot-alias depending on provider and the useDot flag. suffix, if
// non-empty, must match [a-z0-9_]{2,} and is used verbatim for a
// plus-alias; it is ignored for gmail dot-aliases, which never carry
// an explicit suffix.
func (e *Engine) GenerateAlias(provider model.Provider, base, suffix string, useDot bool) (model.Alias, error) {
	account, ok := e.lookupBase(base)
	if !ok {
		return model.Alias{}, fmt.Errorf("%w: %s", ErrUnknownBase, base)
	}
	if account.Provider != provider {
		return model.Alias{}, fmt.Errorf("%w: %s is %s, not %s", ErrProviderMismatch, base, account.Provider, provider)
	}

	local, domain, err := splitAddress(account.Address)
	if err != nil {
		return model.Alias{}, err
	}

	if provider == model.ProviderGmail && useDot {
		if dotted, ok := dotVariant(local); ok {
			return model.Alias{
				AliasAddress: dotted + "@" + domain,
				BaseAddress:  account.Address,
				Provider:     provider,
			}, nil
		}
		// Falls back to plus-alias when the stripped local part is
		// too short to place an interior dot.
	}

	resolvedSuffix := suffix
	if resolvedSuffix == "" {
		resolvedSuffix = randomSuffix()
	} else if !suffixPattern.MatchString(resolvedSuffix) {
		return model.Alias{}, fmt.Errorf("invalid suffix %q: must match %s", suffix, suffixPattern.String())
	}

	return model.Alias{
		AliasAddress: local + "+" + resolvedSuffix + "@" + domain,
		BaseAddress:  account.Address,
		Provider:     provider,
		Suffix:       resolvedSuffix,
	}, nil
}

// RouteRecipient maps an arbitrary recipient address to one of the
// engine's known backend accounts, per spec.md §4.2 "Routing".
func (e *Engine) RouteRecipient(recipient string) (Route, error) {
	local, domain, err := splitAddress(recipient)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrNotRoutable, err)
	}
	recipientLocal := strings.ToLower(local)
	recipientDomain := strings.ToLower(domain)
	plusIndex := strings.Index(recipientLocal, "+")
	recipientLocalBeforePlus := recipientLocal
	if plusIndex >= 0 {
		recipientLocalBeforePlus = recipientLocal[:plusIndex]
	}

	for _, account := range e.accounts {
		accLocal, accDomain, err := splitAddress(account.Address)
		if err != nil {
			continue
		}
		accLocal = strings.ToLower(accLocal)
		accDomain = strings.ToLower(accDomain)

		switch account.Provider {
		case model.ProviderGmail:
			if accDomain != recipientDomain {
				continue
			}
			if stripDots(accLocal) == stripDots(recipientLocalBeforePlus) {
				full := recipientLocalBeforePlus + "@" + recipientDomain
				return Route{Backend: account, IsAlias: full != strings.ToLower(account.Address)}, nil
			}

		case model.ProviderOutlook:
			if accDomain != recipientDomain {
				continue
			}
			if accLocal == recipientLocalBeforePlus {
				full := recipientLocalBeforePlus + "@" + recipientDomain
				return Route{Backend: account, IsAlias: full != strings.ToLower(account.Address)}, nil
			}
		}
	}

	return Route{}, ErrNotRoutable
}

// IsAlias reports whether recipient is an alias of some known backend:
// true if it contains a plus-tag, or if routing resolves to a backend
// distinct from the recipient itself.
func (e *Engine) IsAlias(recipient string) bool {
	if strings.Contains(recipient, "+") {
		return true
	}
	route, err := e.RouteRecipient(recipient)
	if err != nil {
		return false
	}
	return route.IsAlias
}

func (e *Engine) lookupBase(address string) (model.Account, bool) {
	target := strings.ToLower(address)
	for _, a := range e.accounts {
		if strings.ToLower(a.Address) == target {
			return a, true
		}
	}
	return model.Account{}, false
}

// splitAddress splits "local@domain" into its two halves.
func splitAddress(address string) (local, domain string, err error) {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", fmt.Errorf("invalid address %q", address)
	}
	return address[:at], address[at+1:], nil
}

func stripDots(local string) string {
	return strings.ReplaceAll(local, ".", "")
}

// dotVariant strips all dots from local and reinserts exactly one at a
// random interior position. It returns false when the stripped local
// part has fewer than 2 characters, per spec.md §4.2.
func dotVariant(local string) (string, bool) {
	stripped := stripDots(local)
	if len(stripped) < 2 {
		return "", false
	}

	// Interior position: anywhere strictly between the first and last
	// character, so the dot never lands at either edge.
	pos := 1
	if len(stripped) > 2 {
		pos = 1 + randomInt(len(stripped)-1)
	}

	return stripped[:pos] + "." + stripped[pos:], true
}

// randomSuffix returns randomSuffixLen random lowercase alphanumeric
// characters, sourced from a UUID's random bits.
func randomSuffix() string {
	id := uuid.New()
	b := make([]byte, randomSuffixLen)
	for i := range b {
		b[i] = suffixAlphabet[int(id[i])%len(suffixAlphabet)]
	}
	return string(b)
}

// randomInt returns a random integer in [0, n) using a UUID as the
// entropy source. n is assumed small (interior dot positions).
func randomInt(n int) int {
	if n <= 0 {
		return 0
	}
	id := uuid.New()
	return int(id[0]) % n
}
