package compensation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/logging"
	"github.com/warp/lesson-engine/store/memory"
)

func newTestConfigService(now time.Time) (*compensation.ConfigService, *memory.Store) {
	store := memory.New()
	svc := compensation.NewConfigService(store, lesson.FixedClock{At: now})
	svc.Log = logging.Discard()
	return svc, store
}

func TestWeights_Validate(t *testing.T) {
	tests := []struct {
		name  string
		w     compensation.Weights
		field string
	}{
		{"defaults", compensation.DefaultWeights(), ""},
		{"uneven", compensation.Weights{Absence: 10, Feedbacks: 20, Voice: 30, Text: 40}, ""},
		{"all on one", compensation.Weights{Voice: 100}, ""},
		{"sum 99", compensation.Weights{Absence: 25, Feedbacks: 25, Voice: 25, Text: 24}, "weights"},
		{"sum 101", compensation.Weights{Absence: 26, Feedbacks: 25, Voice: 25, Text: 25}, "weights"},
		{"negative", compensation.Weights{Absence: -10, Feedbacks: 40, Voice: 35, Text: 35}, "absence"},
		{"over 100", compensation.Weights{Absence: 0, Feedbacks: 0, Voice: 0, Text: 120}, "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *lesson.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestConfigService_GetCreatesDefaults(t *testing.T) {
	// GIVEN: An empty store
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	svc, store := newTestConfigService(now)

	// WHEN: Reading the config
	cfg, err := svc.GetConfig(ctx)

	// THEN: Defaults are returned and persisted as version 1
	require.NoError(t, err)
	assert.Equal(t, compensation.DefaultWeights(), cfg.Weights)
	assert.Equal(t, 1, cfg.Version)

	stored, err := store.GetObligationConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.Version)
}

func TestConfigService_Update(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	svc, _ := newTestConfigService(now)

	// Rejected: does not sum to 100
	_, err := svc.UpdateConfig(ctx, admin, compensation.Weights{Absence: 25, Feedbacks: 25, Voice: 25, Text: 24})
	assert.ErrorIs(t, err, lesson.ErrValidation)

	// Accepted
	cfg, err := svc.UpdateConfig(ctx, admin, compensation.Weights{Absence: 10, Feedbacks: 20, Voice: 30, Text: 40})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)

	got, err := svc.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, compensation.Weights{Absence: 10, Feedbacks: 20, Voice: 30, Text: 40}, got.Weights)

	// The rejected update left nothing behind
	assert.Equal(t, 2, got.Version)
}

func TestConfigService_UpdateRequiresAdmin(t *testing.T) {
	svc, _ := newTestConfigService(time.Now())

	_, err := svc.UpdateConfig(context.Background(), teacher1, compensation.DefaultWeights())

	assert.ErrorIs(t, err, lesson.ErrForbidden)
}
