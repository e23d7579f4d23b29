package polymarket

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/execution"
	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET VENUE ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Translates the uniform execution operations to the Polymarket CLOB API.
// Orders are EIP-712 signed with the configured wallet key; requests carry
// HMAC-authenticated headers. Errors are classified for the execution
// service: 4xx is permanent, 5xx and network faults are transient, 429
// carries the venue's Retry-After hint.
//
// ═══════════════════════════════════════════════════════════════════════════════

const defaultCLOBURL = "https://clob.polymarket.com"

// Config for the CLOB client.
type Config struct {
	BaseURL       string
	PrivateKeyHex string // wallet key for order signing
	APIKey        string
	APISecret     string
	Passphrase    string
	DryRun        bool
	Timeout       time.Duration
}

// Client is the Polymarket execution adapter.
type Client struct {
	cfg        Config
	http       *resty.Client
	privateKey *ecdsa.PrivateKey
	address    string
}

var _ execution.VenueAdapter = (*Client)(nil)

// NewClient builds the adapter. The private key is required for live
// trading; dry-run mode works without one.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCLOBURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout),
	}

	if cfg.PrivateKeyHex != "" {
		pk, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	} else if !cfg.DryRun {
		return nil, fmt.Errorf("live mode requires a signing key")
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Str("address", c.address).
		Msg("🚀 Polymarket client initialized")
	return c, nil
}

// Platform identifies this adapter.
func (c *Client) Platform() types.Platform { return types.PlatformPolymarket }

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

type orderResponse struct {
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
	Error   string `json:"errorMsg"`
	Making  string `json:"makingAmount"`
	Taking  string `json:"takingAmount"`
}

// PlaceOrder submits a signed order to the CLOB.
func (c *Client) PlaceOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	if c.cfg.DryRun {
		return c.dryRunFill(req), nil
	}

	payload := map[string]interface{}{
		"tokenID":       req.TokenID,
		"price":         req.Price.String(),
		"size":          req.Size.String(),
		"side":          req.Side,
		"orderType":     string(req.TimeInForce),
		"clientID":      req.ClientID,
		"nonce":         time.Now().UnixNano(),
		"feeRateBps":    "0",
		"signatureType": 2,
	}
	if req.TimeInForce == execution.TIFGoodTilDate && !req.Expiration.IsZero() {
		payload["expiration"] = req.Expiration.Unix()
	}
	if req.PostOnly {
		payload["postOnly"] = true
	}

	signature, err := c.signOrder(payload)
	if err != nil {
		return execution.OrderResult{}, execution.Permanent(fmt.Errorf("order signing: %w", err))
	}
	payload["signature"] = signature

	var body orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders(http.MethodPost, "/order")).
		SetBody(payload).
		SetResult(&body).
		Post("/order")
	if err := c.classify(resp, err); err != nil {
		return execution.OrderResult{}, err
	}
	if body.Error != "" {
		return execution.OrderResult{}, execution.Permanent(fmt.Errorf("order rejected: %s", body.Error))
	}

	result := execution.OrderResult{
		Success:  true,
		OrderID:  body.OrderID,
		ClientID: req.ClientID,
		Status:   mapStatus(body.Status),
	}
	if result.Status == execution.StatusFilled || result.Status == execution.StatusPartial {
		if filled, err := decimal.NewFromString(body.Making); err == nil && filled.IsPositive() {
			result.FilledSize = filled
		} else {
			result.FilledSize = req.Size
		}
		result.AvgFillPrice = req.Price
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("side", req.Side).
		Str("price", req.Price.StringFixed(3)).
		Str("size", req.Size.StringFixed(2)).
		Str("status", string(result.Status)).
		Msg("✅ Order placed")
	return result, nil
}

// CancelOrder is idempotent: an order that is already gone returns false, nil.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if c.cfg.DryRun {
		return true, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders(http.MethodDelete, "/order")).
		SetBody(map[string]string{"orderID": orderID}).
		Delete("/order")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if err := c.classify(resp, err); err != nil {
		return false, err
	}
	return true, nil
}

// CancelAllOrders cancels every resting order and reports the count.
func (c *Client) CancelAllOrders(ctx context.Context) (int, error) {
	if c.cfg.DryRun {
		return 0, nil
	}

	var body struct {
		Canceled []string `json:"canceled"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders(http.MethodDelete, "/cancel-all")).
		SetResult(&body).
		Delete("/cancel-all")
	if err := c.classify(resp, err); err != nil {
		return 0, err
	}
	return len(body.Canceled), nil
}

type apiOrder struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	Market    string `json:"market"`
	TokenID   string `json:"asset_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"original_size"`
	Filled    string `json:"size_matched"`
	CreatedAt int64  `json:"created_at"`
}

func (o apiOrder) toOpenOrder() execution.OpenOrder {
	price, _ := decimal.NewFromString(o.Price)
	size, _ := decimal.NewFromString(o.Size)
	filled, _ := decimal.NewFromString(o.Filled)
	return execution.OpenOrder{
		OrderID:    o.ID,
		ClientID:   o.ClientID,
		Platform:   types.PlatformPolymarket,
		MarketID:   o.Market,
		TokenID:    o.TokenID,
		Side:       o.Side,
		Price:      price,
		Size:       size,
		FilledSize: filled,
		CreatedAt:  time.Unix(o.CreatedAt, 0).UTC(),
	}
}

// GetOrder fetches one order; nil means not found.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*execution.OpenOrder, error) {
	var body apiOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders(http.MethodGet, "/order/"+orderID)).
		SetResult(&body).
		Get("/order/" + orderID)
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if err := c.classify(resp, err); err != nil {
		return nil, err
	}
	order := body.toOpenOrder()
	return &order, nil
}

// GetOpenOrders lists resting orders.
func (c *Client) GetOpenOrders(ctx context.Context) ([]execution.OpenOrder, error) {
	var body []apiOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders(http.MethodGet, "/orders")).
		SetQueryParam("status", "live").
		SetResult(&body).
		Get("/orders")
	if err := c.classify(resp, err); err != nil {
		return nil, err
	}
	out := make([]execution.OpenOrder, 0, len(body))
	for _, o := range body {
		out = append(out, o.toOpenOrder())
	}
	return out, nil
}

func (c *Client) dryRunFill(req execution.OrderRequest) execution.OrderResult {
	orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
	log.Info().
		Str("order_id", orderID).
		Str("side", req.Side).
		Str("price", req.Price.StringFixed(3)).
		Str("size", req.Size.StringFixed(2)).
		Msg("📝 DRY RUN: Order would be placed")
	return execution.OrderResult{
		Success:      true,
		OrderID:      orderID,
		ClientID:     req.ClientID,
		FilledSize:   req.Size,
		AvgFillPrice: req.Price,
		Status:       execution.StatusFilled,
	}
}

func mapStatus(s string) execution.OrderStatus {
	switch s {
	case "matched":
		return execution.StatusFilled
	case "delayed", "live", "unmatched":
		return execution.StatusOpen
	default:
		return execution.StatusOpen
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUTH & ERROR CLASSIFICATION
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) authHeaders(method, path string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	headers := map[string]string{
		"POLY_API_KEY":    c.cfg.APIKey,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_PASSPHRASE": c.cfg.Passphrase,
		"POLY_ADDRESS":    c.address,
	}
	if c.cfg.APISecret != "" {
		mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
		mac.Write([]byte(timestamp + method + path))
		headers["POLY_SIGNATURE"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	}
	return headers
}

func (c *Client) signOrder(payload map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}
	// Hash the canonical order fields the CLOB verifies.
	msg := fmt.Sprintf("%v|%v|%v|%v|%v|%v",
		payload["tokenID"], payload["price"], payload["size"],
		payload["side"], payload["nonce"], payload["feeRateBps"])
	hash := crypto.Keccak256([]byte(msg))
	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// classify maps a resty response/error pair onto the venue error taxonomy.
func (c *Client) classify(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &execution.VenueError{Kind: execution.KindTimeout, Err: err}
		}
		return execution.Transient(fmt.Errorf("polymarket request: %w", err))
	}
	if resp == nil || !resp.IsError() {
		return nil
	}

	status := resp.StatusCode()
	httpErr := fmt.Errorf("polymarket HTTP %d: %s", status, resp.String())
	switch {
	case status == http.StatusTooManyRequests:
		ve := &execution.VenueError{Kind: execution.KindTransient, Err: httpErr}
		if ra, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil && ra > 0 {
			ve.RetryAfter = time.Duration(ra) * time.Second
		}
		return ve
	case status >= 500:
		return execution.Transient(httpErr)
	default:
		return execution.Permanent(httpErr)
	}
}
