package natsrpc

import (
	"context"
	"errors"
	"sort"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without contacting the service while an
// operation's circuit is open
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerStatus is a snapshot of one operation's circuit
type BreakerStatus struct {
	Operation           string `json:"operation"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

func newBreakers(cfg BreakerConfig, logger *zap.Logger) map[string]*gobreaker.CircuitBreaker {
	threshold := uint32(cfg.FailureThreshold)
	breakers := make(map[string]*gobreaker.CircuitBreaker, 5)
	for _, op := range []string{opScrape, opLearn, opAnalyze, opEvaluate, opAddMonitor} {
		breakers[op] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        op,
			MaxRequests: 1,
			Timeout:     cfg.RecoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Capability circuit changed state",
					zap.String("operation", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
			// an answer carrying an application error still proves the
			// service is reachable
			IsSuccessful: func(err error) bool {
				var remote *RemoteError
				return err == nil || errors.As(err, &remote) || errors.Is(err, context.Canceled)
			},
		})
	}
	return breakers
}

// Breakers reports the circuit of every request/reply operation, sorted by name
func (c *Client) Breakers() []BreakerStatus {
	out := make([]BreakerStatus, 0, len(c.breakers))
	for op, cb := range c.breakers {
		counts := cb.Counts()
		out = append(out, BreakerStatus{
			Operation:           op,
			State:               cb.State().String(),
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}
