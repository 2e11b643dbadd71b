package symbol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/terminal"
	"mt5-connector/internal/terminal/terminaltest"
)

func addSymbol(f *terminaltest.Fake, name string, visible bool) {
	f.AddSymbol(terminal.SymbolInfo{Name: name, Visible: visible, Point: 0.01, VolumeMin: 0.01, VolumeMax: 10, VolumeStep: 0.01},
		terminal.Tick{Bid: 1, Ask: 1.1})
}

func TestCandidates_Order(t *testing.T) {
	got := Candidates("xauusd")
	want := []string{"XAUUSD", "GOLD", "XAU/USD", "XAUUSD.0", "XAUUSD.1", "XAUUSD.conv", "XAUUSD.raw", "XAUUSD.pro"}
	assert.Equal(t, want, got)
}

func TestResolve_ExactMatch(t *testing.T) {
	fake := terminaltest.New()
	addSymbol(fake, "EURUSD", true)

	res, err := NewResolver(fake, nil).Resolve(context.Background(), "eurusd")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "EURUSD", res.Symbol)
	assert.Zero(t, fake.CallCount("SymbolSelect"))
}

func TestResolve_AliasAndEnableHidden(t *testing.T) {
	fake := terminaltest.New()
	addSymbol(fake, "GOLD", false)

	res, err := NewResolver(fake, nil).Resolve(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "GOLD", res.Symbol)
	assert.Equal(t, 1, fake.CallCount("SymbolSelect(GOLD)"))
}

func TestResolve_SkipsCandidateThatCannotBeEnabled(t *testing.T) {
	fake := terminaltest.New()
	addSymbol(fake, "GOLD", false)
	addSymbol(fake, "XAUUSD.pro", true)
	fake.SelectFails["GOLD"] = true

	res, err := NewResolver(fake, nil).Resolve(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD.pro", res.Symbol)
}

func TestResolve_SuffixVariant(t *testing.T) {
	fake := terminaltest.New()
	addSymbol(fake, "EURUSD.raw", true)

	res, err := NewResolver(fake, nil).Resolve(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD.raw", res.Symbol)
}

func TestResolve_NotFoundSuggestsSimilar(t *testing.T) {
	fake := terminaltest.New()
	fake.AllSymbols = []string{"AUDEUR", "EURGBP", "EURJPY", "EURUSDm", "XEURX", "EURCHF", "EURNZD", "EURCAD"}

	res, err := NewResolver(fake, nil).Resolve(context.Background(), "EUR")
	require.Error(t, err)
	assert.Equal(t, errs.KindSymbolNotFound, errs.KindOf(err))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Message, "EURGBP, EURJPY, EURUSDm, EURCHF, EURNZD")
	assert.NotContains(t, res.Message, "AUDEUR")
}

func TestResolve_NotLoggedIn(t *testing.T) {
	fake := terminaltest.New()
	fake.Account = nil

	res, err := NewResolver(fake, nil).Resolve(context.Background(), "EURUSD")
	require.Error(t, err)
	assert.Equal(t, errs.KindSymbolNotFound, errs.KindOf(err))
	assert.Contains(t, res.Message, "未登录")
}

func TestSimilar_PrefixFirst(t *testing.T) {
	got := Similar("usd", []string{"EURUSD", "USDJPY", "GBPUSD", "USDCHF"}, 3)
	assert.Equal(t, []string{"USDJPY", "USDCHF", "EURUSD"}, got)
}
