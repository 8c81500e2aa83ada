package catchall_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inboxmux/aggregator/internal/catchall"
)

func TestRouter_RouteCaseInsensitiveDomain(t *testing.T) {
	r := catchall.NewRouter(map[string]string{
		"Example.com": "inbox@backend.test",
	})

	backend, ok := r.Route("anything@EXAMPLE.COM")
	require.True(t, ok)
	require.Equal(t, "inbox@backend.test", backend)
}

func TestRouter_RouteUnknownDomain(t *testing.T) {
	r := catchall.NewRouter(map[string]string{"example.com": "inbox@backend.test"})

	_, ok := r.Route("anything@other.com")
	require.False(t, ok)
}

func TestRouter_IsDomainAddress(t *testing.T) {
	r := catchall.NewRouter(map[string]string{"example.com": "inbox@backend.test"})

	require.True(t, r.IsDomainAddress("foo@example.com"))
	require.False(t, r.IsDomainAddress("foo@other.com"))
}

func TestRouter_DistinctBackendsDedupes(t *testing.T) {
	r := catchall.NewRouter(map[string]string{
		"a.com": "shared@backend.test",
		"b.com": "shared@backend.test",
		"c.com": "other@backend.test",
	})

	backends := r.DistinctBackends()
	require.Len(t, backends, 2)
	require.ElementsMatch(t, []string{"shared@backend.test", "other@backend.test"}, backends)
}

func TestMatches_CaseInsensitiveExact(t *testing.T) {
	require.True(t, catchall.Matches("Foo@Example.com", "foo@example.com"))
	require.False(t, catchall.Matches("foo+tag@example.com", "foo@example.com"))
}
