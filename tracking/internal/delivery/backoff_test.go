package delivery

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 32*time.Second, b.Delay(5))
	assert.Equal(t, time.Minute, b.Delay(6))
	assert.Equal(t, time.Minute, b.Delay(100))
}

func TestBackoff_JitterBounded(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 1, Rand: func() float64 { return 0.999 }}

	d := b.Delay(0)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 2*time.Second)
}

func TestBackoff_ZeroBase(t *testing.T) {
	assert.Zero(t, Backoff{}.Delay(3))
}

func TestBackoff_NonDecreasingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay never decreases between attempts", prop.ForAll(
		func(baseMs int, mult float64, jitter float64, r1 float64, r2 float64, attempt int) bool {
			draws := []float64{r1, r2}
			i := 0
			b := Backoff{
				Base:       time.Duration(baseMs) * time.Millisecond,
				Max:        time.Minute,
				Multiplier: mult,
				Jitter:     jitter,
				Rand: func() float64 {
					v := draws[i%2]
					i++
					return v
				},
			}
			return b.Delay(attempt+1) >= b.Delay(attempt)
		},
		gen.IntRange(1, 5000),
		gen.Float64Range(1.1, 4),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 0.9999),
		gen.Float64Range(0, 0.9999),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}
