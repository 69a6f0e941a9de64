package randomization

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/randomizer/internal/platform/telemetry"
)

// GenerateRequest carries everything a single run needs. A nil Seed asks the
// service to pick one; the chosen seed is returned on the Plan.
type GenerateRequest struct {
	Strategy  string
	InitialID int
	Seed      *int64
	Sizes     StrataSizes
}

type Service struct {
	logger          zerolog.Logger
	defaultStrategy string
	now             func() time.Time
	newSeed         func() int64
}

func NewService(logger zerolog.Logger, defaultStrategy string) *Service {
	if defaultStrategy == "" {
		defaultStrategy = StrategyBlock
	}
	return &Service{
		logger:          logger,
		defaultStrategy: defaultStrategy,
		now:             time.Now,
		newSeed:         func() int64 { return time.Now().UnixNano() },
	}
}

// DefaultStrategy returns the strategy used when a request names none.
func (s *Service) DefaultStrategy() string {
	return s.defaultStrategy
}

// Generate runs one randomization. Each call gets its own generator, so
// concurrent calls share nothing.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (plan *Plan, err error) {
	name := req.Strategy
	if name == "" {
		name = s.defaultStrategy
	}

	ctx, span := telemetry.StartSpan(ctx, "randomization.Generate",
		attribute.String("randomization.strategy", name),
		attribute.Int("randomization.initial_id", req.InitialID),
		attribute.Int("randomization.requested", req.Sizes.Total()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	strategy, err := StrategyFor(name)
	if err != nil {
		return nil, err
	}

	seed := s.newSeed()
	if req.Seed != nil {
		seed = *req.Seed
	}

	res, err := strategy.Generate(req.Sizes, req.InitialID, rand.New(rand.NewSource(seed)))
	if err != nil {
		s.logger.Error().Err(err).Str("strategy", name).Int("initial_id", req.InitialID).Msg("randomization rejected")
		return nil, err
	}
	// A caller that gave up (e.g. a request past its deadline) gets no plan.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan = &Plan{
		ID:          uuid.New(),
		Strategy:    strategy.Name(),
		InitialID:   req.InitialID,
		Seed:        seed,
		GeneratedAt: s.now().UTC(),
		Records:     res.Records,
		Errors:      res.Errors,
		Summary:     Summarize(res.Records),
	}
	if plan.Errors == nil {
		plan.Errors = []*StratumSizeError{}
	}

	for _, verr := range res.Errors {
		s.logger.Warn().
			Str("plan_id", plan.ID.String()).
			Str("stratum", verr.Stratum.Key()).
			Int("size", verr.Size).
			Msg(verr.Error())
	}
	s.logger.Info().
		Str("plan_id", plan.ID.String()).
		Str("strategy", plan.Strategy).
		Int("initial_id", plan.InitialID).
		Int("records", len(plan.Records)).
		Int("invalid_strata", len(plan.Errors)).
		Msg("randomization plan generated")

	span.SetAttributes(
		attribute.String("randomization.plan_id", plan.ID.String()),
		attribute.Int("randomization.records", len(plan.Records)),
		attribute.Int("randomization.invalid_strata", len(plan.Errors)),
	)
	return plan, nil
}
