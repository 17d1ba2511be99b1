package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDewPointSaturatedAir(t *testing.T) {
	// At 100% humidity the dew point equals the air temperature
	assert.InDelta(t, 10.0, DewPoint(10, 100), 0.01)
	assert.InDelta(t, 0.0, DewPoint(0, 100), 0.01)

	// Drier air pushes the dew point down
	assert.Less(t, DewPoint(10, 50), 10.0)
}

func TestDetectFrostWarmShortCircuit(t *testing.T) {
	// Above the cutoff no frost regardless of humidity
	result := DetectFrost(5.0, 100, 0)
	assert.Equal(t, 0.0, result.Risk)
	assert.False(t, result.Flagged)
}

func TestDetectFrostColdCalmSaturated(t *testing.T) {
	result := DetectFrost(0.0, 98, 0.2)
	assert.True(t, result.Flagged)
	assert.InDelta(t, 0.9, result.Risk, 1e-9)
}

func TestDetectFrostWindReducesRisk(t *testing.T) {
	calm := DetectFrost(0.0, 98, 0.2)
	breezy := DetectFrost(0.0, 98, 3.0)
	windy := DetectFrost(0.0, 98, 8.0)

	assert.Greater(t, calm.Risk, breezy.Risk)
	assert.Greater(t, breezy.Risk, windy.Risk)
	assert.False(t, windy.Flagged)
}

func TestShadowDetectorFixedPattern(t *testing.T) {
	d := NewShadowDetector()

	// Ten days of a pinned 0.4 ratio at hour 13 under clear sky
	var last ShadowResult
	for day := 0; day < 10; day++ {
		last = d.Evaluate("roof", 13, 0.4, 1.0, 10)
	}
	assert.True(t, last.Shortfall)
	assert.True(t, last.FixedPattern)
	assert.Greater(t, last.Confidence, 0.5)

	// Confidence rises with more recurring days
	early := NewShadowDetector()
	var fourth ShadowResult
	for day := 0; day < 4; day++ {
		fourth = early.Evaluate("roof", 13, 0.4, 1.0, 10)
	}
	require.True(t, fourth.FixedPattern)
	assert.Greater(t, last.Confidence, fourth.Confidence)
}

func TestShadowDetectorCloudCorrelatedNotFixed(t *testing.T) {
	d := NewShadowDetector()

	// Same shortfall but always under heavy cloud: weather, not obstruction
	var last ShadowResult
	for day := 0; day < 10; day++ {
		last = d.Evaluate("roof", 13, 0.4, 1.0, 90)
	}
	assert.True(t, last.Shortfall)
	assert.False(t, last.FixedPattern)
}

func TestShadowDetectorInconsistentRatiosNotFixed(t *testing.T) {
	d := NewShadowDetector()

	// Shortfalls with a wide spread look like clouds, not an obstruction
	ratios := []float64{0.1, 0.6, 0.2, 0.5, 0.15, 0.65, 0.3, 0.55}
	var last ShadowResult
	for _, r := range ratios {
		last = d.Evaluate("roof", 13, r, 1.0, 10)
	}
	assert.False(t, last.FixedPattern)
}

func TestShadowDetectorNightHoursIgnored(t *testing.T) {
	d := NewShadowDetector()
	result := d.Evaluate("roof", 2, 0, 0.0, 10)
	assert.False(t, result.Shortfall)
}

func TestShadowStateRoundTrip(t *testing.T) {
	d := NewShadowDetector()
	for day := 0; day < 10; day++ {
		d.Evaluate("roof", 13, 0.4, 1.0, 10)
	}

	restored := NewShadowDetector()
	restored.Load(d.State())
	result := restored.Evaluate("roof", 13, 0.4, 1.0, 10)
	assert.True(t, result.FixedPattern)
}

func TestSnowAccumulationAndMelt(t *testing.T) {
	d := NewSnowDetector()

	// Snowfall by condition code
	result := d.Observe("roof", 73, -2, 3.0, 30)
	assert.True(t, result.Covered)
	assert.InDelta(t, 3.0, result.DepthCm, 1e-9)

	// Above-freezing hours melt it down
	for i := 0; i < 10 && d.Depth("roof") > 0; i++ {
		result = d.Observe("roof", 0, 5, 0, 30)
	}
	assert.False(t, result.Covered)
	assert.Equal(t, 0.0, d.Depth("roof"))
}

func TestSnowOvernightHeuristic(t *testing.T) {
	d := NewSnowDetector()

	// No condition code available: cold precipitation accumulates
	result := d.Observe("roof", -1, 0.5, 2.0, 30)
	assert.True(t, result.Covered)

	// Warm rain does not
	fresh := NewSnowDetector()
	result = fresh.Observe("roof", -1, 8, 2.0, 30)
	assert.False(t, result.Covered)
}

func TestSnowSteeperPanelsMeltFaster(t *testing.T) {
	flat := NewSnowDetector()
	steep := NewSnowDetector()
	flat.Observe("g", 73, -2, 5.0, 10)
	steep.Observe("g", 73, -2, 5.0, 60)

	flat.Observe("g", 0, 4, 0, 10)
	steep.Observe("g", 0, 4, 0, 60)
	assert.Less(t, steep.Depth("g"), flat.Depth("g"))
}

func TestDetectClippingPlateau(t *testing.T) {
	// Production flatlines at 3.0 while clear-sky keeps climbing
	day := []ClippingSample{
		{0.5, 0.6}, {1.5, 1.8}, {2.5, 3.0},
		{3.0, 4.0}, {3.0, 4.8}, {3.0, 5.2},
		{2.4, 4.6}, {1.2, 3.0},
	}
	flags := DetectClipping(day)
	assert.True(t, flags[4])
	assert.True(t, flags[5])
	assert.False(t, flags[1])
	assert.False(t, flags[7])
}

func TestDetectClippingCloudyPlateauNotFlagged(t *testing.T) {
	// A plateau far below peak is clouds, not an inverter limit
	day := []ClippingSample{
		{0.5, 0.6}, {3.5, 3.6}, {0.8, 4.0},
		{0.8, 4.8}, {0.8, 5.2}, {3.4, 4.6},
	}
	flags := DetectClipping(day)
	for i, f := range flags {
		assert.False(t, f, "hour %d should not be clipped", i)
	}
}

func TestGatesDaySkipThreshold(t *testing.T) {
	g := NewGates(0.25)

	inputs := make([]HourInput, 12)
	for i := range inputs {
		inputs[i] = HourInput{
			Group: "roof", Hour: 6 + i,
			ActualKWh: 1.0, TheoreticalKWh: 1.1,
			CloudCover: 10, TemperatureC: 15, HumidityPct: 50,
			ConditionCode: -1, TiltDeg: 30,
		}
	}
	// Four frosty hours out of twelve crosses the 25% threshold
	for i := 0; i < 4; i++ {
		inputs[i].TemperatureC = 0
		inputs[i].HumidityPct = 99
		inputs[i].WindMs = 0.2
	}

	flags, skip := g.EvaluateDay(inputs)
	require.Len(t, flags, 12)
	assert.True(t, skip)
	assert.True(t, flags[0].Frost)
	assert.True(t, flags[0].ExcludeFromLearning)
	assert.False(t, flags[6].ExcludeFromLearning)

	// A clean day is kept
	g2 := NewGates(0.25)
	for i := 0; i < 4; i++ {
		inputs[i].TemperatureC = 15
		inputs[i].HumidityPct = 50
	}
	_, skip = g2.EvaluateDay(inputs)
	assert.False(t, skip)
}
