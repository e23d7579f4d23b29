package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE ADAPTER CONTRACT
// ═══════════════════════════════════════════════════════════════════════════════
//
// One adapter per platform translates the uniform execution operations to
// the venue wire protocol. The core treats marketId / tokenId / outcome as
// opaque strings. Adapters classify their errors so the service can decide
// retry vs surface.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TimeInForce for limit orders.
type TimeInForce string

const (
	TIFGoodTilCancel TimeInForce = "GTC"
	TIFFillOrKill    TimeInForce = "FOK"
	TIFGoodTilDate   TimeInForce = "GTD"
)

// OrderStatus of a submission result.
type OrderStatus string

const (
	StatusFilled    OrderStatus = "filled"
	StatusPartial   OrderStatus = "partial"
	StatusOpen      OrderStatus = "open"
	StatusCancelled OrderStatus = "cancelled"
	StatusFailed    OrderStatus = "failed"
)

// OrderRequest describes one order submission.
type OrderRequest struct {
	Platform    types.Platform
	MarketID    string
	TokenID     string
	Outcome     string
	Side        string // BUY or SELL
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimeInForce TimeInForce
	Expiration  time.Time // GTD only
	PostOnly    bool
	ClientID    string // generated by the service when empty; stable across retries
	Strategy    string
	Protective  bool // trigger-path close; the position manager owns its accounting
}

// Notional returns price × size.
func (r OrderRequest) Notional() decimal.Decimal {
	return r.Price.Mul(r.Size)
}

// OrderResult is the outcome of a submission.
type OrderResult struct {
	Success      bool
	OrderID      string
	ClientID     string
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       OrderStatus
	Error        string
}

// OpenOrder is a resting order on the venue.
type OpenOrder struct {
	OrderID    string
	ClientID   string
	Platform   types.Platform
	MarketID   string
	TokenID    string
	Side       string
	Price      decimal.Decimal
	Size       decimal.Decimal
	FilledSize decimal.Decimal
	CreatedAt  time.Time
}

// SlippageEstimate from walking the book for a requested size.
type SlippageEstimate struct {
	ExpectedPrice decimal.Decimal
	Slippage      decimal.Decimal // fraction relative to the request price
}

// VenueAdapter is the per-platform execution surface.
type VenueAdapter interface {
	Platform() types.Platform
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// CancelOrder is idempotent: already filled / not found returns false, nil.
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	CancelAllOrders(ctx context.Context) (int, error)
	GetOrder(ctx context.Context, orderID string) (*OpenOrder, error)
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR CLASSIFICATION
// ═══════════════════════════════════════════════════════════════════════════════

// ErrorKind drives the retry/circuit-breaker policy.
type ErrorKind int

const (
	// KindTransient: network faults, 5xx, rate limits. Retried with backoff,
	// counts toward the circuit breaker.
	KindTransient ErrorKind = iota
	// KindPermanent: 4xx / business rejection. Surfaced immediately, does
	// not count toward the breaker.
	KindPermanent
	// KindTimeout: treated as transient for submit; callers reconcile query
	// timeouts via GetOrder.
	KindTimeout
)

// VenueError is the classified error adapters return.
type VenueError struct {
	Kind       ErrorKind
	RetryAfter time.Duration // rate-limit hint, zero when absent
	Err        error
}

func (e *VenueError) Error() string { return e.Err.Error() }
func (e *VenueError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error { return &VenueError{Kind: KindTransient, Err: err} }

// Permanent wraps err as non-retryable.
func Permanent(err error) error { return &VenueError{Kind: KindPermanent, Err: err} }

// Classify extracts the error kind; unclassified errors and context
// deadlines are treated as transient, per the submit-timeout rule.
func Classify(err error) ErrorKind {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

// RetryAfterHint returns the venue's rate-limit hint, if any.
func RetryAfterHint(err error) time.Duration {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.RetryAfter
	}
	return 0
}
