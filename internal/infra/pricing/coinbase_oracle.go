// internal/infra/pricing/coinbase_oracle.go
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	coinbaseSpotURL = "https://api.coinbase.com/v2/prices/ETH-USD/spot"
	coingeckoURL    = "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd"
)

// CoinbaseOracle fetches the ETH-USD spot price from Coinbase, falling back
// to Coingecko when Coinbase is unreachable. Both failing returns an error;
// the fee computation then uses its hard-coded fallback amount, so an
// oracle outage never blocks a cycle.
type CoinbaseOracle struct {
	httpClient *http.Client
	log        *logrus.Entry
}

func NewCoinbaseOracle(log *logrus.Entry) *CoinbaseOracle {
	return &CoinbaseOracle{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log,
	}
}

func (o *CoinbaseOracle) SpotPrice(ctx context.Context) (decimal.Decimal, error) {
	price, err := o.coinbaseSpot(ctx)
	if err == nil {
		return price, nil
	}
	o.log.WithError(err).Warn("Coinbase spot price fetch failed, trying Coingecko")

	price, cgErr := o.coingeckoSpot(ctx)
	if cgErr != nil {
		return decimal.Zero, fmt.Errorf("coinbase: %v; coingecko: %w", err, cgErr)
	}
	return price, nil
}

func (o *CoinbaseOracle) coinbaseSpot(ctx context.Context) (decimal.Decimal, error) {
	var payload struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := o.getJSON(ctx, coinbaseSpotURL, &payload); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(payload.Data.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid coinbase price %q: %w", payload.Data.Amount, err)
	}
	return price, nil
}

func (o *CoinbaseOracle) coingeckoSpot(ctx context.Context) (decimal.Decimal, error) {
	var payload struct {
		Ethereum struct {
			USD json.Number `json:"usd"`
		} `json:"ethereum"`
	}
	if err := o.getJSON(ctx, coingeckoURL, &payload); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(payload.Ethereum.USD.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid coingecko price %q: %w", payload.Ethereum.USD, err)
	}
	return price, nil
}

func (o *CoinbaseOracle) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build price request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price endpoint returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode price response: %w", err)
	}
	return nil
}
