package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/property-pipeline/internal/clock/system"
)

func TestRegistry_Adapter(t *testing.T) {
	t.Parallel()
	clk := system.New()
	reg := NewRegistry(map[string]ProviderSpec{
		"Acme":   {BaseURL: "https://api.acme.test", APIKey: "k"},
		"nokeys": {BaseURL: "https://api.nokeys.test"},
	}, Options{Clock: clk, Sleeper: clk})

	assert.Equal(t, []string{"acme", "nokeys"}, reg.Providers())

	a, err := reg.Adapter("ACME")
	require.NoError(t, err)
	assert.Equal(t, "Acme", a.Provider())
	again, err := reg.Adapter("acme")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = reg.Adapter("nokeys")
	require.ErrorIs(t, err, ErrMissingCredentials)

	_, err = reg.Adapter("zillowish")
	require.ErrorIs(t, err, ErrUnknownProvider)
}
