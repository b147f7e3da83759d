// Package cow prices assets from CoW Protocol sell quotes.
package cow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
)

// Kind is the registry kind of this source.
const Kind = "cow.quote"

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
	defaultBaseURL = "https://api.cow.fi/mainnet/api/v1"
)

// AssetConfig describes how much of an asset to quote.
type AssetConfig struct {
	Asset    common.Address  `mapstructure:"asset"`
	Decimals uint8           `mapstructure:"decimals"`
	Notional decimal.Decimal `mapstructure:"notional"`
}

// Options parameterise the CoW Protocol source.
type Options struct {
	BaseURL       string         `mapstructure:"base_url"`
	PriceQuality  string         `mapstructure:"price_quality"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	UserAgent     string         `mapstructure:"user_agent"`
	QuoteToken    common.Address `mapstructure:"quote_token"`
	QuoteDecimals uint8          `mapstructure:"quote_decimals"`
	Assets        []AssetConfig  `mapstructure:"assets"`
}

// Source quotes selling a notional amount of each asset for the quote token. The price is
// the quoted buy amount per whole asset unit; liquidity is the notional on both sides.
type Source struct {
	name    string
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	clock   clock.Clock
	baseURL string
	assets  map[common.Address]AssetConfig
}

// New constructs a CoW Protocol source.
func New(name string, opts Options, clk clock.Clock, logger zerolog.Logger) (*Source, error) {
	if opts.QuoteToken == (common.Address{}) {
		return nil, fmt.Errorf("%w: quote_token is required", source.ErrInvalidConfig)
	}
	if len(opts.Assets) == 0 {
		return nil, fmt.Errorf("%w: assets are required", source.ErrInvalidConfig)
	}
	assets := make(map[common.Address]AssetConfig, len(opts.Assets))
	for _, a := range opts.Assets {
		if !a.Notional.IsPositive() {
			return nil, fmt.Errorf("%w: notional for %s must be greater than zero", source.ErrInvalidConfig, a.Asset.Hex())
		}
		assets[a.Asset] = a
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if clk == nil {
		clk = clock.System{}
	}

	return &Source{
		name:    name,
		opts:    opts,
		logger:  logger.With().Str("component", "cow_source").Str("source", name).Logger(),
		client:  &http.Client{Timeout: timeout},
		clock:   clk,
		baseURL: baseURL,
		assets:  assets,
	}, nil
}

// Name implements source.Adapter.
func (s *Source) Name() string { return s.name }

// QuoteDecimals implements source.Adapter.
func (s *Source) QuoteDecimals() uint8 { return s.opts.QuoteDecimals }

// Consult implements source.Adapter.
func (s *Source) Consult(ctx context.Context, asset common.Address, _ uint32) (observation.Observation, error) {
	cfg, ok := s.assets[asset]
	if !ok {
		return observation.Observation{}, fmt.Errorf("%s: %w: %s", s.name, source.ErrUnsupportedAsset, asset.Hex())
	}

	sellAtoms, err := numeric.FromDecimal(cfg.Notional, cfg.Decimals)
	if err != nil {
		return observation.Observation{}, err
	}
	if sellAtoms.IsZero() {
		return observation.Observation{}, errors.New("sell amount rounded to zero")
	}

	now := s.clock.Now()
	reqPayload := quoteRequest{
		SellToken:           asset.Hex(),
		BuyToken:            s.opts.QuoteToken.Hex(),
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"oracled","metadata":{}}`,
		PriceQuality:        s.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.Dec(),
		ValidTo:             uint64(now.Add(5 * time.Minute).Unix()),
	}

	quote, err := s.requestQuote(ctx, reqPayload)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", s.name, err)
	}

	buyAtoms, err := numeric.ParseDecimalString(quote.Quote.BuyAmount)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: parse buy amount: %w", s.name, err)
	}
	if buyAtoms.IsZero() {
		return observation.Observation{}, fmt.Errorf("%s: %w: buy amount returned zero", s.name, source.ErrZeroLiquidity)
	}

	price, err := numeric.MulDiv(&buyAtoms, numeric.MustPow10(cfg.Decimals), sellAtoms)
	if err != nil {
		return observation.Observation{}, err
	}
	ts, err := observation.ToTimestamp(now)
	if err != nil {
		return observation.Observation{}, err
	}

	quality := quote.PriceQuality
	if quality == "" {
		quality = s.opts.PriceQuality
	}
	s.logger.Debug().
		Str("asset", asset.Hex()).
		Str("price", price.Dec()).
		Str("quality", quality).
		Msg("quote received")
	return observation.New(price, sellAtoms, &buyAtoms, ts)
}

func (s *Source) requestQuote(ctx context.Context, reqPayload quoteRequest) (quoteResponse, error) {
	body, err := json.Marshal(reqPayload)
	if err != nil {
		return quoteResponse{}, err
	}

	endpoint := s.baseURL + cowQuotePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return quoteResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "oracled/1.0")
	}
	req.Header.Set("X-AppId", "oracled")

	resp, err := s.client.Do(req)
	if err != nil {
		return quoteResponse{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return quoteResponse{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return quoteResponse{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return quoteResponse{}, fmt.Errorf("%w: %v", source.ErrInvalidResponse, err)
	}
	return quoteRes, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
		SellToken  string `json:"sellToken"`
		BuyToken   string `json:"buyToken"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

// Register adds the CoW source kind to reg.
func Register(reg *source.Registry, clk clock.Clock, logger zerolog.Logger) {
	reg.Register(Kind, func(name string, options map[string]any) (source.Adapter, error) {
		var opts Options
		if err := source.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return New(name, opts, clk, logger)
	})
}

var _ source.Adapter = (*Source)(nil)
