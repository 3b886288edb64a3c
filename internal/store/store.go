// ABOUTME: Exchange ledger types and the interface the relay writes through.
// ABOUTME: Holds accounting data only; conversation tokens are never stored.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidExchange is returned when a record is missing required fields.
var ErrInvalidExchange = errors.New("invalid exchange record")

// Exchange is one completed message/response round trip.
type Exchange struct {
	ID              string
	ChannelID       string
	Sender          string
	Model           string
	Endpoint        string
	PromptEvalCount int
	EvalCount       int
	Segments        int
	Duration        time.Duration
	Continued       bool // the exchange extended an earlier context
	CreatedAt       time.Time
}

// UsageFilter narrows GetUsageStats and GetEndpointUsage. Nil fields match
// everything.
type UsageFilter struct {
	ChannelID *string
	Since     *time.Time
}

// UsageStats aggregates exchanges.
type UsageStats struct {
	ExchangeCount     int64
	ContinuedCount    int64
	TotalPromptTokens int64
	TotalEvalTokens   int64
	TotalSegments     int64
	AvgDuration       time.Duration
}

// EndpointUsage counts exchanges served by one backend endpoint.
type EndpointUsage struct {
	Endpoint      string
	ExchangeCount int64
	LastUsed      time.Time
}

// Ledger records exchanges.
type Ledger interface {
	SaveExchange(ctx context.Context, ex *Exchange) error
	GetChannelExchanges(ctx context.Context, channelID string, limit int) ([]*Exchange, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
	GetEndpointUsage(ctx context.Context, filter UsageFilter) ([]EndpointUsage, error)
	Close() error
}
