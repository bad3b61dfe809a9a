package fare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridebid/internal/ride/domain"
)

var suggestionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fare_suggestions_total",
	Help: "Fare suggestions grouped by source (advisor or fallback).",
}, []string{"source"})

// HTTPAdvisor calls the fare prediction service.
type HTTPAdvisor struct {
	client  *http.Client
	baseURL string
}

// NewHTTPAdvisor builds an advisor for baseURL. A nil client uses http.DefaultClient.
func NewHTTPAdvisor(client *http.Client, baseURL string) *HTTPAdvisor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdvisor{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type predictRequest struct {
	DistanceKM float64 `json:"distance_km"`
}

type predictResponse struct {
	MinFare     float64 `json:"minFare"`
	MaxFare     float64 `json:"maxFare"`
	AverageFare float64 `json:"averageFare"`
	Message     string  `json:"message"`
}

// Suggest satisfies domain.FareAdvisor.
func (a *HTTPAdvisor) Suggest(ctx context.Context, distanceKM float64) (domain.FareBand, error) {
	body, err := json.Marshal(predictRequest{DistanceKM: distanceKM})
	if err != nil {
		return domain.FareBand{}, fmt.Errorf("marshal predict request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/fare/predict", bytes.NewReader(body))
	if err != nil {
		return domain.FareBand{}, domain.Wrap(domain.KindAdvisorUnavailable, err, "build advisor request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return domain.FareBand{}, domain.Wrap(domain.KindAdvisorUnavailable, err, "call advisor")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.FareBand{}, domain.Errorf(domain.KindAdvisorUnavailable, "advisor returned %d", resp.StatusCode)
	}
	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.FareBand{}, domain.Wrap(domain.KindAdvisorUnavailable, err, "decode advisor response")
	}
	if out.MaxFare <= 0 || out.MinFare > out.MaxFare {
		return domain.FareBand{}, domain.Errorf(domain.KindAdvisorUnavailable, "advisor returned band [%v, %v]", out.MinFare, out.MaxFare)
	}
	return domain.FareBand{Min: out.MinFare, Max: out.MaxFare, Average: out.AverageFare}, nil
}

// Fallback is the linear estimate used when no advisor answer is available.
type Fallback struct {
	BaseFare float64
	PerKM    float64
}

// DefaultFallback mirrors the prediction service's own fallback pricing.
var DefaultFallback = Fallback{BaseFare: 2.5, PerKM: 1.5}

// Estimate returns base + perKm*distance with a ±20% band.
func (f Fallback) Estimate(distanceKM float64) domain.FareBand {
	estimate := f.BaseFare + f.PerKM*distanceKM
	return domain.FareBand{
		Min:     round2(estimate * 0.8),
		Max:     round2(estimate * 1.2),
		Average: round2(estimate),
	}
}

// Suggester bounds advisor calls with a timeout and absorbs every failure
// into the fallback estimate.
type Suggester struct {
	advisor  domain.FareAdvisor
	fallback Fallback
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSuggester constructs a Suggester. advisor may be nil.
func NewSuggester(advisor domain.FareAdvisor, fallback Fallback, timeout time.Duration, logger *zap.Logger) *Suggester {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback.BaseFare <= 0 && fallback.PerKM <= 0 {
		fallback = DefaultFallback
	}
	return &Suggester{advisor: advisor, fallback: fallback, timeout: timeout, logger: logger}
}

// Suggest never fails; the bool reports whether the advisor answered.
func (s *Suggester) Suggest(ctx context.Context, distanceKM float64) (domain.FareBand, bool) {
	if s.advisor == nil {
		suggestionsTotal.WithLabelValues("fallback").Inc()
		return s.fallback.Estimate(distanceKM), false
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	band, err := s.advisor.Suggest(callCtx, distanceKM)
	if err != nil {
		s.logger.Warn("fare advisor unavailable, using fallback", zap.Error(err), zap.Float64("distance_km", distanceKM))
		suggestionsTotal.WithLabelValues("fallback").Inc()
		return s.fallback.Estimate(distanceKM), false
	}
	suggestionsTotal.WithLabelValues("advisor").Inc()
	return band, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
