package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/smsqueue/internal/models"
)

// Simulation types selected by Provider.SimulationType
const (
	SimAlwaysSuccess = "always_success"
	SimAlwaysFail    = "always_fail"
	SimPermanentFail = "permanent_fail"
	SimRandom        = "random"
)

var transientErrors = []string{
	"Carrier temporarily unavailable",
	"Network timeout",
	"Throttled by upstream SMSC",
	"Service not available",
}

var permanentErrors = []string{
	"Invalid destination number",
	"Destination barred",
}

// Simulator fakes a carrier without touching the network
type Simulator struct {
	logger *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulator creates a simulation transport
func NewSimulator(logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Simulator{
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send produces an outcome according to the provider's simulation type
func (s *Simulator) Send(ctx context.Context, provider *models.Provider, msg *models.Message) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.logger.Debug("simulation: sending",
		"id", msg.ID,
		"to", msg.To,
		"provider_id", provider.ID,
		"type", provider.SimulationType,
	)

	switch provider.SimulationType {
	case SimAlwaysFail:
		return Failed(s.pick(transientErrors), true), nil
	case SimPermanentFail:
		return Failed(s.pick(permanentErrors), false), nil
	case SimRandom:
		rate := provider.SimulationFailureRate
		if rate <= 0 || rate > 1 {
			rate = 0.1
		}
		if s.float() < rate {
			return Failed(s.pick(transientErrors), true), nil
		}
		return s.accepted(), nil
	default:
		return s.accepted(), nil
	}
}

func (s *Simulator) accepted() Result {
	id := "sim-" + uuid.New().String()
	return Sent(id, fmt.Sprintf(`{"status":"accepted","id":%q}`, id))
}

func (s *Simulator) pick(list []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return list[s.rnd.Intn(len(list))]
}

func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}
