// Package pricing resolves prices for a ticker set with provider
// fallback and provenance tracking.
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantpilot/trader/internal/domain"
)

const (
	defaultMaxConcurrent = 5
	defaultBatchDelay    = 100 * time.Millisecond
	requestTimeout       = 10 * time.Second
)

// Authority fetches prices from the primary provider in bounded parallel
// batches and fills gaps from the broker when one is available.
type Authority struct {
	primary       domain.MarketDataClient
	log           zerolog.Logger
	maxConcurrent int
	batchDelay    time.Duration
}

// Options tunes one FetchPrices run
type Options struct {
	// Fallback is queried in one call for tickers the primary missed.
	// Nil disables the fallback tier.
	Fallback domain.BrokerClient
}

// NewAuthority creates a price authority over the primary provider
func NewAuthority(primary domain.MarketDataClient, log zerolog.Logger) *Authority {
	return &Authority{
		primary:       primary,
		log:           log.With().Str("service", "pricing").Logger(),
		maxConcurrent: defaultMaxConcurrent,
		batchDelay:    defaultBatchDelay,
	}
}

// SetBatching overrides batch size and inter-batch delay (used in tests)
func (a *Authority) SetBatching(maxConcurrent int, batchDelay time.Duration) {
	if maxConcurrent > 0 {
		a.maxConcurrent = maxConcurrent
	}
	a.batchDelay = batchDelay
}

// FetchPrices resolves every requested ticker. The returned prices map
// contains only tickers with a valid price; meta has an entry for every
// requested ticker, including emergency entries with no price.
func (a *Authority) FetchPrices(ctx context.Context, tickers []string, opts Options) (map[string]float64, map[string]domain.PriceMeta) {
	prices := make(map[string]float64, len(tickers))
	meta := make(map[string]domain.PriceMeta, len(tickers))
	if len(tickers) == 0 {
		return prices, meta
	}

	var mu sync.Mutex
	var failed []string

	for start := 0; start < len(tickers); start += a.maxConcurrent {
		end := start + a.maxConcurrent
		if end > len(tickers) {
			end = len(tickers)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, ticker := range tickers[start:end] {
			ticker := ticker
			g.Go(func() error {
				reqCtx, cancel := context.WithTimeout(gctx, requestTimeout)
				defer cancel()

				price, err := a.primary.FetchPrice(reqCtx, ticker)

				mu.Lock()
				defer mu.Unlock()
				if err != nil || price <= 0 {
					failed = append(failed, ticker)
					meta[ticker] = domain.PriceMeta{
						Ticker:     ticker,
						Source:     domain.PriceSourceNone,
						Confidence: domain.ConfidenceEmergency,
						Timestamp:  time.Now(),
						Error:      errString(err),
					}
					return nil
				}

				p := price
				prices[ticker] = p
				meta[ticker] = domain.PriceMeta{
					Ticker:     ticker,
					Price:      &p,
					Source:     domain.PriceSourcePrimary,
					Confidence: domain.ConfidencePrimary,
					Timestamp:  time.Now(),
				}
				return nil
			})
		}
		_ = g.Wait()

		if end < len(tickers) && a.batchDelay > 0 {
			select {
			case <-time.After(a.batchDelay):
			case <-ctx.Done():
				a.log.Warn().Err(ctx.Err()).Msg("Price fetch cancelled between batches")
				a.applyFallback(ctx, failed, opts, prices, meta)
				a.logSummary(len(tickers), meta)
				return prices, meta
			}
		}
	}

	a.applyFallback(ctx, failed, opts, prices, meta)
	a.logSummary(len(tickers), meta)

	return prices, meta
}

// applyFallback asks the broker for tickers the primary missed
func (a *Authority) applyFallback(ctx context.Context, failed []string, opts Options, prices map[string]float64, meta map[string]domain.PriceMeta) {
	if len(failed) == 0 || opts.Fallback == nil {
		return
	}

	brokerPrices, err := opts.Fallback.LatestPrices(ctx, failed)
	if err != nil {
		a.log.Warn().Err(err).Int("tickers", len(failed)).Msg("Broker price fallback failed")
		return
	}

	for _, ticker := range failed {
		price, ok := brokerPrices[ticker]
		if !ok || price <= 0 {
			continue
		}
		p := price
		prices[ticker] = p
		meta[ticker] = domain.PriceMeta{
			Ticker:     ticker,
			Price:      &p,
			Source:     domain.PriceSourceFallback,
			Confidence: domain.ConfidenceFallback,
			Timestamp:  time.Now(),
		}
	}
}

// logSummary emits the per-run confidence breakdown
func (a *Authority) logSummary(requested int, meta map[string]domain.PriceMeta) {
	var primary, fallback, emergency int
	for _, m := range meta {
		switch m.Confidence {
		case domain.ConfidencePrimary:
			primary++
		case domain.ConfidenceFallback:
			fallback++
		case domain.ConfidenceEmergency:
			emergency++
		}
	}

	event := a.log.Info()
	if emergency > 0 {
		event = a.log.Error()
	} else if fallback > 0 {
		event = a.log.Warn()
	}
	event.
		Int("requested", requested).
		Int("primary", primary).
		Int("fallback", fallback).
		Int("emergency", emergency).
		Msg("Price fetch summary")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
