package alias_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inboxmux/aggregator/internal/alias"
	"github.com/inboxmux/aggregator/internal/model"
)

func testAccounts() []model.Account {
	return []model.Account{
		{Address: "jane.doe@gmail.com", Provider: model.ProviderGmail},
		{Address: "jane@outlook.com", Provider: model.ProviderOutlook},
	}
}

func TestGenerateAlias_GmailPlusTag(t *testing.T) {
	e := alias.New(testAccounts())

	a, err := e.GenerateAlias(model.ProviderGmail, "jane.doe@gmail.com", "shopping", false)
	require.NoError(t, err)
	require.Equal(t, "jane.doe+shopping@gmail.com", a.AliasAddress)
	require.Equal(t, "jane.doe@gmail.com", a.BaseAddress)
}

func TestGenerateAlias_GmailDotVariant(t *testing.T) {
	e := alias.New(testAccounts())

	a, err := e.GenerateAlias(model.ProviderGmail, "jane.doe@gmail.com", "", true)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(a.AliasAddress, "@gmail.com"))
	require.Equal(t, 1, strings.Count(strings.SplitN(a.AliasAddress, "@", 2)[0], "."))
	require.Equal(t, "jane.doe@gmail.com", a.BaseAddress)

	route, err := e.RouteRecipient(a.AliasAddress)
	require.NoError(t, err)
	require.Equal(t, "jane.doe@gmail.com", route.Backend.Address)
}

func TestGenerateAlias_RandomSuffixWhenOmitted(t *testing.T) {
	e := alias.New(testAccounts())

	a, err := e.GenerateAlias(model.ProviderGmail, "jane.doe@gmail.com", "", false)
	require.NoError(t, err)
	require.NotEmpty(t, a.Suffix)
}

func TestGenerateAlias_InvalidSuffixRejected(t *testing.T) {
	e := alias.New(testAccounts())

	_, err := e.GenerateAlias(model.ProviderGmail, "jane.doe@gmail.com", "A", false)
	require.Error(t, err)
}

func TestGenerateAlias_UnknownBase(t *testing.T) {
	e := alias.New(testAccounts())

	_, err := e.GenerateAlias(model.ProviderGmail, "nobody@gmail.com", "", false)
	require.ErrorIs(t, err, alias.ErrUnknownBase)
}

func TestGenerateAlias_ProviderMismatch(t *testing.T) {
	e := alias.New(testAccounts())

	_, err := e.GenerateAlias(model.ProviderOutlook, "jane.doe@gmail.com", "", false)
	require.ErrorIs(t, err, alias.ErrProviderMismatch)
}

func TestRouteRecipient_GmailDotInsensitive(t *testing.T) {
	e := alias.New(testAccounts())

	route, err := e.RouteRecipient("j.a.n.e.doe@gmail.com")
	require.NoError(t, err)
	require.Equal(t, "jane.doe@gmail.com", route.Backend.Address)
	require.True(t, route.IsAlias)
}

func TestRouteRecipient_GmailPlusTag(t *testing.T) {
	e := alias.New(testAccounts())

	route, err := e.RouteRecipient("janedoe+newsletter@gmail.com")
	require.NoError(t, err)
	require.Equal(t, "jane.doe@gmail.com", route.Backend.Address)
	require.True(t, route.IsAlias)
}

func TestRouteRecipient_OutlookPlusTagOnly(t *testing.T) {
	e := alias.New(testAccounts())

	// Outlook does not dot-normalize; a dotted variant must not match.
	_, err := e.RouteRecipient("j.ane@outlook.com")
	require.ErrorIs(t, err, alias.ErrNotRoutable)

	route, err := e.RouteRecipient("jane+bills@outlook.com")
	require.NoError(t, err)
	require.Equal(t, "jane@outlook.com", route.Backend.Address)
}

func TestRouteRecipient_ExactAddressIsNotAlias(t *testing.T) {
	e := alias.New(testAccounts())

	route, err := e.RouteRecipient("jane.doe@gmail.com")
	require.NoError(t, err)
	require.False(t, route.IsAlias)
}

func TestRouteRecipient_Unroutable(t *testing.T) {
	e := alias.New(testAccounts())

	_, err := e.RouteRecipient("someone@example.com")
	require.ErrorIs(t, err, alias.ErrNotRoutable)
}

func TestIsAlias_PlusTagAlwaysTrue(t *testing.T) {
	e := alias.New(testAccounts())
	require.True(t, e.IsAlias("jane.doe+x@gmail.com"))
}
