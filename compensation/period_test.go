package compensation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/lesson"
)

func TestPeriod_Previous(t *testing.T) {
	assert.Equal(t, compensation.Period{Year: 2025, Month: time.February}, march2025.Previous())
	assert.Equal(t, compensation.Period{Year: 2024, Month: time.December}, compensation.Period{Year: 2025, Month: time.January}.Previous())
}

func TestPeriod_Range(t *testing.T) {
	loc := time.FixedZone("ALMT", 5*60*60)

	from, to := compensation.Period{Year: 2024, Month: time.February}.Range(loc)

	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, loc), from)
	assert.Equal(t, 29, to.Day(), "leap year")
	assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, loc), to.Add(time.Nanosecond))
}

func TestPeriod_Validate(t *testing.T) {
	assert.NoError(t, march2025.Validate())
	assert.ErrorIs(t, compensation.Period{Year: 2025, Month: 0}.Validate(), lesson.ErrValidation)
	assert.ErrorIs(t, compensation.Period{Year: 0, Month: time.May}.Validate(), lesson.ErrValidation)
	assert.Equal(t, "2025-03", march2025.String())
}

func TestPeriodsToRecalculate(t *testing.T) {
	early := time.Date(2025, time.April, 2, 3, 0, 0, 0, time.UTC)
	late := time.Date(2025, time.April, 4, 3, 0, 0, 0, time.UTC)

	assert.Equal(t, []compensation.Period{march2025, {Year: 2025, Month: time.April}}, compensation.PeriodsToRecalculate(early, 3))
	assert.Equal(t, []compensation.Period{{Year: 2025, Month: time.April}}, compensation.PeriodsToRecalculate(late, 3))
}
