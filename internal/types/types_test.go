package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+7 (999) 123-45-67": "+79991234567",
		"8 999 123 45 67":    "89991234567",
		"  +7a9b9c9 ":        "+7999",
		"nope":               "",
	}
	for raw, want := range cases {
		require.Equal(t, want, NormalizePhone(raw), "raw %q", raw)
	}
}

func TestIsValidPhone(t *testing.T) {
	require.True(t, IsValidPhone("+79991234567"))
	require.True(t, IsValidPhone("1234567"))
	require.False(t, IsValidPhone("123456"))
	require.False(t, IsValidPhone("+1234567890123456"))
	require.False(t, IsValidPhone("+7999123x567"))
	require.False(t, IsValidPhone(""))
}

func TestPhoneDigits(t *testing.T) {
	require.Equal(t, "79991234567", PhoneDigits("+79991234567"))
	// Russian trunk prefix folds so both spellings key identically.
	require.Equal(t, "79991234567", PhoneDigits("8 (999) 123-45-67"))
	require.Equal(t, "79991234567", PhoneDigits("89991234567"))
	// Short and foreign numbers are untouched.
	require.Equal(t, "8991234", PhoneDigits("8991234"))
	require.Equal(t, "12025550123", PhoneDigits("+1 202 555 0123"))
}

func TestParseTicketCategoryAliases(t *testing.T) {
	cases := map[string]TicketCategory{
		"TV":        CategoryTV,
		"телевизор": CategoryTV,
		"Компьютер": CategoryPC,
		"printer":   CategoryPrinter,
		"телефон":   CategoryPhone,
		"":          CategoryOther,
		"gibberish": CategoryOther,
	}
	for raw, want := range cases {
		require.Equal(t, want, ParseTicketCategory(raw), "raw %q", raw)
	}
}

func TestParseAdSourceAliases(t *testing.T) {
	cases := map[string]AdSource{
		"AVITO":    AdSourceAvito,
		"авито":    AdSourceAvito,
		"Листовка": AdSourceLeaflet,
		"визитка":  AdSourceBusinessCard,
		"":         AdSourceUnknown,
		"tv ads":   AdSourceUnknown,
	}
	for raw, want := range cases {
		require.Equal(t, want, ParseAdSource(raw), "raw %q", raw)
	}
}

func TestPublicIDFor(t *testing.T) {
	day := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "25082601", PublicIDFor(day, 1))
	require.Equal(t, "25082699", PublicIDFor(day, MaxDailySequence))
	require.Len(t, PublicIDFor(day, 7), PublicIDLength)
}

func TestValidatePercent(t *testing.T) {
	require.NoError(t, ValidatePercent(decimal.RequireFromString("0")))
	require.NoError(t, ValidatePercent(decimal.RequireFromString("100")))
	require.NoError(t, ValidatePercent(decimal.RequireFromString("12.50")))
	require.Error(t, ValidatePercent(decimal.RequireFromString("-0.01")))
	require.Error(t, ValidatePercent(decimal.RequireFromString("100.01")))
	require.Error(t, ValidatePercent(decimal.RequireFromString("10.005")))
}

func TestLeadStatusFinality(t *testing.T) {
	require.True(t, LeadConverted.IsFinal())
	require.True(t, LeadSpam.IsFinal())
	require.False(t, LeadNewRaw.IsFinal())
	require.False(t, LeadNeedInfo.IsFinal())
}

func TestTicketStatusTerminal(t *testing.T) {
	require.True(t, StatusClosed.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
	require.False(t, StatusInProgress.IsTerminal())
}

func TestRoleRank(t *testing.T) {
	require.Greater(t, RoleSuperAdmin.Rank(), RoleSysAdmin.Rank())
	require.Greater(t, RoleSysAdmin.Rank(), RoleAdmin.Rank())
	require.Equal(t, 0, Role("BOGUS").Rank())
	require.False(t, Role("BOGUS").IsValid())
}
