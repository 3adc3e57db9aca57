package exec

import (
	"fmt"

	"github.com/web3guy0/signalbot/internal/config"
)

// New builds the adapter named by EXCHANGE. The returned ticker is nil unless
// the venue prices from the Bitunix websocket; the caller starts and stops it.
func New(cfg *config.Config) (Exchange, *BitunixTicker, error) {
	switch cfg.Exchange {
	case "bitunix":
		b, ticker := newBitunixFromConfig(cfg)
		return b, ticker, nil

	case "xt":
		return NewXT(XTConfig{
			APIKey:     cfg.XTAPIKey,
			Secret:     cfg.XTSecret,
			BaseURL:    cfg.XTBaseURL,
			MarginMode: cfg.MarginMode,
			RateLimit:  cfg.ExchangeRateLimit,
		}), nil, nil

	case "lbank":
		return NewLBank(LBankConfig{
			APIKey:    cfg.LBankAPIKey,
			Secret:    cfg.LBankSecret,
			Password:  cfg.LBankPassword,
			BaseURL:   cfg.LBankBaseURL,
			RateLimit: cfg.ExchangeRateLimit,
		}), nil, nil

	case "paper":
		// public Bitunix market data, no keys needed
		b, ticker := newBitunixFromConfig(cfg)
		return NewPaper(cfg.PaperBalance).WithPriceSource(b), ticker, nil
	}
	return nil, nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange)
}

func newBitunixFromConfig(cfg *config.Config) (*Bitunix, *BitunixTicker) {
	b := NewBitunix(BitunixConfig{
		APIKey:     cfg.BitunixAPIKey,
		Secret:     cfg.BitunixSecret,
		BaseURL:    cfg.BitunixBaseURL,
		Language:   cfg.BitunixLanguage,
		MarginMode: cfg.MarginMode,
		RateLimit:  cfg.ExchangeRateLimit,
	})
	ticker := NewBitunixTicker(cfg.BitunixWSURL)
	b.UseTicker(ticker)
	return b, ticker
}
