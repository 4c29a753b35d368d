// Package dflow is the HTTP client for the prediction-market execution venue:
// the trade API that builds swap transactions and reports fills, and the
// metadata API that maps market tickers to outcome mints.
package dflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// Config holds the venue endpoints and credentials.
type Config struct {
	TradeHost    string
	MetadataHost string
	APIKey       string
	Timeout      time.Duration
}

// Client talks to the venue. It never retries; callers own that policy.
type Client struct {
	tradeHost    string
	metadataHost string
	apiKey       string
	httpClient   *http.Client
}

var (
	_ domain.Venue          = (*Client)(nil)
	_ domain.MarketResolver = (*Client)(nil)
)

// NewClient creates a venue client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		tradeHost:    strings.TrimRight(cfg.TradeHost, "/"),
		metadataHost: strings.TrimRight(cfg.MetadataHost, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// PlaceOrder asks the venue for an unsigned swap transaction.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	params := url.Values{}
	params.Set("inputMint", req.InputMint)
	params.Set("outputMint", req.OutputMint)
	params.Set("amount", strconv.FormatUint(req.Amount, 10))
	params.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	params.Set("userPublicKey", req.Payer)

	var resp orderResponse
	if err := c.get(ctx, "place order", c.tradeHost+"/order?"+params.Encode(), &resp); err != nil {
		return domain.PlacedOrder{}, err
	}

	if resp.Transaction == "" {
		return domain.PlacedOrder{}, &domain.VenueError{Op: "place order", Message: "response carried no transaction"}
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Transaction)
	if err != nil {
		return domain.PlacedOrder{}, &domain.VenueError{
			Op: "place order", Message: "malformed transaction", Err: err, Malformed: true,
		}
	}

	mode := domain.ExecutionMode(resp.ExecutionMode)
	if mode != domain.ExecutionAsync {
		mode = domain.ExecutionSync
	}

	return domain.PlacedOrder{
		Transaction:   raw,
		ExecutionMode: mode,
		Quote: domain.OrderQuote{
			InputAmount:  uint64(resp.Quote.InputAmount),
			OutputAmount: uint64(resp.Quote.OutputAmount),
			Price:        resp.Quote.Price,
		},
	}, nil
}

// OrderStatus reports the fill state of the order submitted as txRef.
func (c *Client) OrderStatus(ctx context.Context, txRef string) (domain.OrderFill, error) {
	params := url.Values{}
	params.Set("signature", txRef)

	var resp orderStatusResponse
	if err := c.get(ctx, "order status", c.tradeHost+"/order-status?"+params.Encode(), &resp); err != nil {
		return domain.OrderFill{}, err
	}

	fill := domain.OrderFill{Status: fillStatus(resp.Status)}
	if fill.Status == domain.FillFilled {
		fill.FilledOutputAmount = uint64(resp.FilledOutputAmount)
		if fill.FilledOutputAmount == 0 {
			for _, f := range resp.Fills {
				fill.FilledOutputAmount += uint64(f.OutputAmount)
			}
		}
	}
	return fill, nil
}

func fillStatus(s string) domain.FillStatus {
	switch strings.ToLower(s) {
	case "filled", "closed", "complete", "completed":
		return domain.FillFilled
	case "failed", "expired", "cancelled", "canceled", "rejected":
		return domain.FillFailed
	default:
		return domain.FillPending
	}
}

// OutcomeMints resolves ticker to its outcome assets. A 404 or a market
// without mints yields ErrMarketUnavailable.
func (c *Client) OutcomeMints(ctx context.Context, ticker string) (domain.MarketMints, error) {
	var resp marketResponse
	err := c.get(ctx, "get market", c.metadataHost+"/api/v1/market/"+url.PathEscape(ticker), &resp)
	if err != nil {
		var ve *domain.VenueError
		if errors.As(err, &ve) && ve.StatusCode == http.StatusNotFound {
			return domain.MarketMints{}, fmt.Errorf("dflow: market %s: %w", ticker, domain.ErrMarketUnavailable)
		}
		return domain.MarketMints{}, err
	}

	m := resp.Market
	if m.Accounts.YesMint == "" || m.Accounts.NoMint == "" {
		return domain.MarketMints{}, fmt.Errorf("dflow: market %s has no outcome mints: %w", ticker, domain.ErrMarketUnavailable)
	}

	return domain.MarketMints{
		Ticker:  firstNonEmpty(m.Ticker, ticker),
		Title:   m.Title,
		Status:  m.Status,
		YesMint: m.Accounts.YesMint,
		NoMint:  m.Accounts.NoMint,
	}, nil
}

// get performs a GET request and decodes a 2xx JSON body into out. Every
// failure is reported as a *domain.VenueError.
func (c *Client) get(ctx context.Context, op, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("dflow: create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.VenueError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &domain.VenueError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if err := checkStatus(op, resp.StatusCode, body); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &domain.VenueError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// checkStatus maps non-2xx HTTP status codes to a VenueError.
func checkStatus(op string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.text()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}
	if msg == "" {
		msg = http.StatusText(statusCode)
	}

	return &domain.VenueError{Op: op, StatusCode: statusCode, Message: msg}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
