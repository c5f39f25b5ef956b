package compensation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/warp/lesson-engine/identity"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/logging"
)

// Weights partitions 100% of a lesson's pay across the four obligations.
type Weights struct {
	Absence   int `json:"absence" validate:"min=0,max=100"`
	Feedbacks int `json:"feedbacks" validate:"min=0,max=100"`
	Voice     int `json:"voice" validate:"min=0,max=100"`
	Text      int `json:"text" validate:"min=0,max=100"`
}

// DefaultWeights splits evenly: 25/25/25/25.
func DefaultWeights() Weights {
	return Weights{Absence: 25, Feedbacks: 25, Voice: 25, Text: 25}
}

// Of returns the weight of an obligation in percent.
func (w Weights) Of(ob lesson.Obligation) int {
	switch ob {
	case lesson.ObligationAbsence:
		return w.Absence
	case lesson.ObligationFeedbacks:
		return w.Feedbacks
	case lesson.ObligationVoice:
		return w.Voice
	case lesson.ObligationText:
		return w.Text
	}
	return 0
}

func (w Weights) Sum() int {
	return w.Absence + w.Feedbacks + w.Voice + w.Text
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every weight is within 0..100 and that they sum to 100.
func (w Weights) Validate() error {
	if err := validate.Struct(w); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &lesson.ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("must be between 0 and 100, got %v", fe.Value()),
			}
		}
		return err
	}
	if sum := w.Sum(); sum != 100 {
		return &lesson.ValidationError{
			Field:   "weights",
			Message: fmt.Sprintf("must sum to 100, got %d", sum),
		}
	}
	return nil
}

// =============================================================================
// OBLIGATION PERCENT CONFIG
// =============================================================================

// ObligationPercentConfig is the single active set of weights.
type ObligationPercentConfig struct {
	Weights   Weights
	Version   int
	UpdatedAt time.Time
}

// ConfigService reads and updates the obligation weights. Nothing is cached:
// every call reads the store.
type ConfigService struct {
	Store ConfigStore
	Clock lesson.Clock
	Retry lesson.RetryPolicy
	Log   logging.Logger
}

func NewConfigService(store ConfigStore, clock lesson.Clock) *ConfigService {
	return &ConfigService{
		Store: store,
		Clock: clock,
		Retry: lesson.DefaultRetryPolicy(),
		Log:   logging.New("obligation-config"),
	}
}

// GetConfig returns the current weights, creating the defaults if none exist.
func (s *ConfigService) GetConfig(ctx context.Context) (ObligationPercentConfig, error) {
	cfg, err := lesson.Retry(ctx, s.Retry, "get obligation config", s.Store.GetObligationConfig)
	if err != nil {
		return ObligationPercentConfig{}, err
	}
	if cfg != nil {
		return *cfg, nil
	}

	defaults := ObligationPercentConfig{
		Weights:   DefaultWeights(),
		Version:   1,
		UpdatedAt: s.Clock.Now(),
	}
	if err := s.Retry.Do(ctx, "create default obligation config", func(ctx context.Context) error {
		return s.Store.SetObligationConfig(ctx, defaults)
	}); err != nil {
		return ObligationPercentConfig{}, fmt.Errorf("failed to create default obligation config: %w", err)
	}
	s.logger().Infof("created default obligation weights %d/%d/%d/%d",
		defaults.Weights.Absence, defaults.Weights.Feedbacks, defaults.Weights.Voice, defaults.Weights.Text)
	return defaults, nil
}

// UpdateConfig validates and persists new weights. Only admins may update.
func (s *ConfigService) UpdateConfig(ctx context.Context, caller identity.Caller, w Weights) (ObligationPercentConfig, error) {
	if !caller.IsAdmin() {
		return ObligationPercentConfig{}, &lesson.ForbiddenError{
			Action: "update obligation config",
			Reason: fmt.Sprintf("role %s is not allowed", caller.Role),
		}
	}
	if err := w.Validate(); err != nil {
		return ObligationPercentConfig{}, err
	}

	current, err := s.GetConfig(ctx)
	if err != nil {
		return ObligationPercentConfig{}, err
	}

	next := ObligationPercentConfig{
		Weights:   w,
		Version:   current.Version + 1,
		UpdatedAt: s.Clock.Now(),
	}
	if err := s.Retry.Do(ctx, "set obligation config", func(ctx context.Context) error {
		return s.Store.SetObligationConfig(ctx, next)
	}); err != nil {
		return ObligationPercentConfig{}, fmt.Errorf("failed to update obligation config: %w", err)
	}

	s.logger().Infof("obligation weights v%d by %s: absence=%d feedbacks=%d voice=%d text=%d",
		next.Version, caller.UserID, w.Absence, w.Feedbacks, w.Voice, w.Text)
	return next, nil
}

func (s *ConfigService) logger() logging.Logger {
	if s.Log == nil {
		s.Log = logging.Discard()
	}
	return s.Log
}
