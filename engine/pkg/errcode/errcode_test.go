package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatrix_Errcode_Numbering(t *testing.T) {
	t.Parallel()

	all := All()
	require.Len(t, all, 44)
	require.Equal(t, uint32(6000), AlreadyInitialized.Code)
	require.Equal(t, uint32(6010), ChainFull.Code)
	require.Equal(t, uint32(6016), InsufficientDeposit.Code)
	require.Equal(t, uint32(6041), DuplicateAccount.Code)
	require.Equal(t, uint32(6042), InvalidUserAccount.Code)
	require.Equal(t, uint32(6043), CounterExhausted.Code)

	names := make(map[string]bool)
	for i, e := range all {
		require.Equal(t, uint32(6000+i), e.Code)
		require.False(t, names[e.Name], "duplicate name %s", e.Name)
		names[e.Name] = true
		require.NotEqual(t, KindUnknown, e.Kind, e.Name)
	}
}

func TestMatrix_Errcode_ByCode(t *testing.T) {
	t.Parallel()

	e, ok := ByCode(6010)
	require.True(t, ok)
	require.Same(t, ChainFull, e)

	_, ok = ByCode(5999)
	require.False(t, ok)
	_, ok = ByCode(6044)
	require.False(t, ok)
}

func TestMatrix_Errcode_Wrap(t *testing.T) {
	t.Parallel()

	err := Wrap(InsufficientDeposit, "deposit %d, minimum %d", 1, 2)
	require.ErrorIs(t, err, InsufficientDeposit)
	require.NotErrorIs(t, err, ChainFull)
	require.Equal(t, "deposit 1, minimum 2: InsufficientDeposit (6016): Insufficient deposit amount", err.Error())

	outer := fmt.Errorf("failed to register: %w", err)
	code, ok := CodeOf(outer)
	require.True(t, ok)
	require.Same(t, InsufficientDeposit, code)
	require.Equal(t, KindFunds, KindOf(outer))
}

func TestMatrix_Errcode_KindOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	require.Equal(t, KindUnknown, KindOf(nil))
	require.Equal(t, KindOracle, KindOf(PriceFeedReadFailed))
	require.Equal(t, KindConfiguration, KindOf(Wrap(InvalidPriceFeed, "x")))
	require.Equal(t, KindAuthorization, KindOf(NotAuthorized))
	require.Equal(t, KindExternalCall, KindOf(TokenMintFailed))

	require.Equal(t, "external_call", KindExternalCall.String())
	require.Equal(t, "account_integrity", KindAccountIntegrity.String())
	require.Equal(t, "unknown", Kind(99).String())
}
