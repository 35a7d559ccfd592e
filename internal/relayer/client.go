package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"shielder/internal/chain"
	"shielder/internal/metrics"
	"shielder/internal/transport"
)

// Client is an HTTP relayer client. Fee address and quote lookups are retried;
// relay requests are sent once.
type Client struct {
	baseURL *url.URL
	client  *retryablehttp.Client
	log     zerolog.Logger
}

// NewClient returns a client for the relayer at rawURL.
func NewClient(rawURL string, cfg transport.RetryConfig, logger zerolog.Logger) (*Client, error) {
	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing relayer address: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}
	log := logger.With().Str("component", "relayer").Stringer("url", baseURL).Logger()
	return &Client{
		baseURL: baseURL,
		client:  transport.NewRetryClient(cfg, log),
		log:     log,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, resBody any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath(path).String(), nil)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	return decode(res, resBody)
}

func (c *Client) post(ctx context.Context, path string, reqBody, resBody any, retry bool) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}
	var res *http.Response
	if retry {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(path).String(), data)
		if err != nil {
			return fmt.Errorf("creating HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		res, err = c.client.Do(req)
		if err != nil {
			return fmt.Errorf("doing request: %w", err)
		}
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(path).String(), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("creating HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		res, err = c.client.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("doing request: %w", err)
		}
	}
	return decode(res, resBody)
}

func decode(res *http.Response, resBody any) error {
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusBadRequest && strings.Contains(string(data), versionMismatchMarker):
		return fmt.Errorf("%w: %s", ErrVersionMismatch, strings.TrimSpace(string(data)))
	default:
		return fmt.Errorf("relayer returned status %s, body: %s", res.Status, strings.TrimSpace(string(data)))
	}
	if resBody != nil {
		if err := json.Unmarshal(data, resBody); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

// Address implements Relayer.
func (c *Client) Address(ctx context.Context) (common.Address, error) {
	var res feeAddressResponse
	if err := c.get(ctx, "/fee_address", &res); err != nil {
		return common.Address{}, err
	}
	return res.Address, nil
}

// QuoteFees implements Relayer.
func (c *Client) QuoteFees(ctx context.Context, token common.Address, pocketMoney *big.Int) (*QuotedFees, error) {
	var res quoteResponse
	if err := c.post(ctx, "/quote_fees", quoteRequest{FeeToken: token, PocketMoney: hexBig(pocketMoney)}, &res, true); err != nil {
		return nil, err
	}
	if res.FeeDetails.TotalCostFeeToken == nil {
		return nil, fmt.Errorf("quote is missing total_cost_fee_token")
	}
	return &QuotedFees{
		FeeToken:    res.FeeToken,
		TotalFee:    fromHexBig(res.FeeDetails.TotalCostFeeToken),
		GasCost:     fromHexBig(res.FeeDetails.GasCostNative),
		RelayCost:   fromHexBig(res.FeeDetails.RelayCostNative),
		PocketMoney: fromHexBig(res.FeeDetails.PocketMoneyNative),
	}, nil
}

// Withdraw implements Relayer.
func (c *Client) Withdraw(ctx context.Context, call chain.WithdrawCall) (hash common.Hash, err error) {
	defer func() { metrics.RecordRelay(err) }()
	var res relayResponse
	if err := c.post(ctx, "/relay", toRelayRequest(call), &res, false); err != nil {
		c.log.Debug().Err(err).Msg("relay failed")
		return common.Hash{}, err
	}
	c.log.Info().Str("tx", res.TxHash.Hex()).Msg("withdrawal relayed")
	return res.TxHash, nil
}
