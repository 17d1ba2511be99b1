package anomaly

const (
	// Relative change below which two consecutive hours count as a plateau
	clippingPlateauTolerance = 0.03
	// Theoretical maximum must rise by at least this fraction for the
	// plateau to be suspicious
	clippingTheoreticalRise = 0.05
	// Plateau must sit near the day's peak; a plateau at 20% of peak is a
	// cloud bank, not an inverter limit
	clippingPeakFraction = 0.85
)

// ClippingSample is one observed hour fed to the clipping detector
type ClippingSample struct {
	ActualKWh      float64
	TheoreticalKWh float64
}

// DetectClipping scans one day of hourly samples and flags hours where
// production plateaus while the clear-sky maximum keeps rising, the
// signature of an inverter or export limit. Returns one flag per input
// hour.
func DetectClipping(day []ClippingSample) []bool {
	flags := make([]bool, len(day))
	if len(day) < 3 {
		return flags
	}

	var peak float64
	for _, s := range day {
		if s.ActualKWh > peak {
			peak = s.ActualKWh
		}
	}
	if peak <= 0 {
		return flags
	}

	for i := 1; i < len(day); i++ {
		prev, cur := day[i-1], day[i]
		if prev.ActualKWh <= 0 || prev.TheoreticalKWh <= 0 {
			continue
		}

		actualChange := (cur.ActualKWh - prev.ActualKWh) / prev.ActualKWh
		theoreticalChange := (cur.TheoreticalKWh - prev.TheoreticalKWh) / prev.TheoreticalKWh

		plateau := actualChange > -clippingPlateauTolerance && actualChange < clippingPlateauTolerance
		rising := theoreticalChange > clippingTheoreticalRise
		nearPeak := cur.ActualKWh >= clippingPeakFraction*peak

		if plateau && rising && nearPeak {
			flags[i] = true
			// The hour entering the plateau is clipped too
			if !flags[i-1] && prev.ActualKWh >= clippingPeakFraction*peak {
				flags[i-1] = true
			}
		}
	}
	return flags
}
