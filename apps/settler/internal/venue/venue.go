package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Rate is a venue's current conversion rate, expressed as source units per
// one target token.
type Rate struct {
	VenueID string
	Rate    decimal.Decimal
	Expiry  time.Time
}

// Trade is the venue-side view of a submitted order.
type Trade struct {
	OrderID          string
	Status           string // PENDING, FILLED, REJECTED, PARTIAL
	ExecutedQuantity decimal.Decimal
}

// Venue is the capability interface over an exchange, decentralized or
// centralized. The orchestrator is agnostic to which variant services a
// given token.
type Venue interface {
	ID() string

	// GetRate quotes converting sourceAmount of sourceCurrency into the
	// target token.
	GetRate(ctx context.Context, sourceAmount decimal.Decimal, sourceCurrency, targetToken string) (*Rate, error)

	// SubmitTrade executes a previously quoted trade. The idempotency key is
	// derived from the quote id; venues deduplicate on it so a retried
	// submission never double-executes.
	SubmitTrade(ctx context.Context, quoteID, idempotencyKey string) (*Trade, error)

	// TradeStatus polls a submitted order.
	TradeStatus(ctx context.Context, orderID string) (*Trade, error)

	// CancelTrade cancels an unfilled order.
	CancelTrade(ctx context.Context, orderID string) error
}

// Router selects the venue servicing a target token.
type Router struct {
	venues       map[string]Venue // by venue id
	tokenToVenue map[string]string
	defaultVenue string
}

func NewRouter(defaultVenue string) *Router {
	return &Router{
		venues:       make(map[string]Venue),
		tokenToVenue: make(map[string]string),
		defaultVenue: defaultVenue,
	}
}

func (r *Router) Register(v Venue, tokens ...string) {
	r.venues[v.ID()] = v
	for _, token := range tokens {
		r.tokenToVenue[token] = v.ID()
	}
}

// ForToken returns the venue servicing a token, falling back to the default.
func (r *Router) ForToken(token string) (Venue, bool) {
	if id, exists := r.tokenToVenue[token]; exists {
		return r.venues[id], true
	}
	v, exists := r.venues[r.defaultVenue]
	return v, exists
}

// ByID returns a registered venue by id.
func (r *Router) ByID(id string) (Venue, bool) {
	v, exists := r.venues[id]
	return v, exists
}

// All returns every registered venue.
func (r *Router) All() []Venue {
	venues := make([]Venue, 0, len(r.venues))
	for _, v := range r.venues {
		venues = append(venues, v)
	}
	return venues
}
