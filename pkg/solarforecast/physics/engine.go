package physics

import (
	"math"

	"k8s.io/klog/v2"
)

// Physical constants for crystalline silicon modules
const (
	TempCoefficient = -0.004 // Power temperature coefficient (1/K)
	STCTemperature  = 25.0   // Standard Test Conditions cell temperature (C)
	NOCT            = 45.0   // Nominal Operating Cell Temperature (C)
	NOCTIrradiance  = 800.0  // Irradiance at NOCT conditions (W/m2)
	NOCTAmbient     = 20.0   // Ambient temperature at NOCT conditions (C)

	DefaultAlbedo     = 0.2  // Ground reflectivity for grass/soil
	DefaultSystemEff  = 0.90 // Inverter, cabling and soiling losses
	MaxPlausibleGHI   = 1400.0
	maxTempCorrection = 1.2
	minTempCorrection = 0.5
)

// SunPosition is the sun's location in the sky in degrees
type SunPosition struct {
	ElevationDeg float64
	AzimuthDeg   float64
}

// ZenithDeg returns the solar zenith angle (90 - elevation)
func (s SunPosition) ZenithDeg() float64 { return 90.0 - s.ElevationDeg }

// Geometry is the panel orientation
type Geometry struct {
	TiltDeg    float64
	AzimuthDeg float64
}

// Irradiance holds the solar irradiance components from weather data
type Irradiance struct {
	GHI float64 // Global horizontal (W/m2)
	DNI float64 // Direct normal (W/m2)
	DHI float64 // Diffuse horizontal (W/m2)
}

// Valid reports whether the irradiance values are physically plausible
func (ir Irradiance) Valid() bool {
	for _, v := range []float64{ir.GHI, ir.DNI, ir.DHI} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return ir.GHI <= MaxPlausibleGHI
}

// POAResult holds the plane-of-array irradiance breakdown
type POAResult struct {
	Total   float64
	Beam    float64
	Diffuse float64
	Ground  float64
	AOIDeg  float64
}

// PowerResult is the physics estimate for one hour
type PowerResult struct {
	PowerKWh          float64
	POAWm2            float64
	CellTempC         float64
	TempCorrection    float64
	SystemEfficiency  float64
	ReducedConfidence bool // Set when inputs were missing or implausible
}

// Engine computes physics-based power estimates for a single panel group
type Engine struct {
	capacityKWp float64
	albedo      float64
	systemEff   float64
	geometry    Geometry
}

// NewEngine creates a physics engine for a panel group
func NewEngine(capacityKWp float64, geometry Geometry, albedo, systemEff float64) *Engine {
	if albedo <= 0 {
		albedo = DefaultAlbedo
	}
	if systemEff <= 0 {
		systemEff = DefaultSystemEff
	}
	return &Engine{
		capacityKWp: capacityKWp,
		albedo:      albedo,
		systemEff:   systemEff,
		geometry:    geometry,
	}
}

// Geometry returns the current panel geometry
func (e *Engine) Geometry() Geometry { return e.geometry }

// SystemEfficiency returns the current overall efficiency factor
func (e *Engine) SystemEfficiency() float64 { return e.systemEff }

// UpdateGeometry installs learned geometry and efficiency
func (e *Engine) UpdateGeometry(g Geometry, systemEff float64) {
	e.geometry = g
	if systemEff > 0 {
		e.systemEff = systemEff
	}
	klog.InfoS("Panel geometry updated",
		"tilt", g.TiltDeg, "azimuth", g.AzimuthDeg, "systemEfficiency", e.systemEff)
}

// AngleOfIncidence returns the angle between incoming sunlight and the panel
// normal, in degrees. Returns 90 when the sun is at or below the horizon.
func AngleOfIncidence(sun SunPosition, g Geometry) float64 {
	if sun.ElevationDeg <= 0 {
		return 90.0
	}

	zenith := radians(sun.ZenithDeg())
	tilt := radians(g.TiltDeg)
	cosAOI := math.Cos(zenith)*math.Cos(tilt) +
		math.Sin(zenith)*math.Sin(tilt)*math.Cos(radians(sun.AzimuthDeg)-radians(g.AzimuthDeg))

	cosAOI = math.Max(-1.0, math.Min(1.0, cosAOI))
	return degrees(math.Acos(cosAOI))
}

// POAIrradiance computes plane-of-array irradiance using an isotropic sky
// model with beam, diffuse and ground-reflected components.
func (e *Engine) POAIrradiance(ir Irradiance, sun SunPosition) POAResult {
	return poaIrradiance(ir, sun, e.geometry, e.albedo)
}

func poaIrradiance(ir Irradiance, sun SunPosition, g Geometry, albedo float64) POAResult {
	if !ir.Valid() {
		return POAResult{AOIDeg: 90.0}
	}

	// Diffuse light is still captured around dawn and dusk; ramp it down
	// between +3 and -2 degrees of elevation instead of cutting it off.
	diffuseFactor := 1.0
	if sun.ElevationDeg < 3.0 {
		diffuseFactor = math.Max(0.0, (sun.ElevationDeg+2.0)/5.0)
	}

	beam := 0.0
	aoiDeg := 90.0
	if sun.ElevationDeg > 0 {
		aoiDeg = AngleOfIncidence(sun, g)
		if aoiDeg < 90 {
			beam = ir.DNI * math.Cos(radians(aoiDeg))
		}
	}

	tiltRad := radians(g.TiltDeg)
	diffuse := ir.DHI * (1 + math.Cos(tiltRad)) / 2 * diffuseFactor
	ground := ir.GHI * albedo * (1 - math.Cos(tiltRad)) / 2 * diffuseFactor

	return POAResult{
		Total:   math.Max(0.0, beam+diffuse+ground),
		Beam:    math.Max(0.0, beam),
		Diffuse: math.Max(0.0, diffuse),
		Ground:  math.Max(0.0, ground),
		AOIDeg:  aoiDeg,
	}
}

// CellTemperature estimates module cell temperature from ambient temperature,
// POA irradiance and wind speed using the NOCT model. Wind carries heat off
// the module surface, pulling the cell back toward ambient.
func CellTemperature(ambientC, poaWm2, windMs float64) float64 {
	if poaWm2 <= 0 {
		return ambientC
	}

	tempRise := (NOCT - NOCTAmbient) * (poaWm2 / NOCTIrradiance)

	// Convective cooling: NOCT assumes ~1 m/s; stronger wind reduces the
	// rise, capped at a 40% reduction at 10 m/s and above.
	windCooling := 1.0 - 0.04*math.Min(math.Max(windMs-1.0, 0.0), 10.0)
	return ambientC + tempRise*windCooling
}

// TemperatureCorrection returns the power derating factor for a cell
// temperature, clamped to [0.5, 1.2].
func TemperatureCorrection(cellTempC float64) float64 {
	correction := 1.0 + TempCoefficient*(cellTempC-STCTemperature)
	return math.Max(minTempCorrection, math.Min(maxTempCorrection, correction))
}

// EstimatePower computes the expected energy yield for one hour. Invalid or
// missing inputs are substituted with conservative fallbacks and flagged
// via ReducedConfidence instead of returning an error.
func (e *Engine) EstimatePower(ir Irradiance, sun SunPosition, ambientC, windMs float64) PowerResult {
	reduced := false

	if !ir.Valid() {
		klog.V(3).InfoS("Implausible irradiance, substituting zero",
			"ghi", ir.GHI, "dni", ir.DNI, "dhi", ir.DHI)
		ir = Irradiance{}
		reduced = true
	}
	if math.IsNaN(ambientC) || ambientC < -60 || ambientC > 60 {
		ambientC = 15.0
		reduced = true
	}
	if math.IsNaN(windMs) || windMs < 0 {
		windMs = 0.0
		reduced = true
	}

	poa := e.POAIrradiance(ir, sun)
	if poa.Total <= 0 {
		return PowerResult{
			TempCorrection:    1.0,
			CellTempC:         ambientC,
			SystemEfficiency:  e.systemEff,
			ReducedConfidence: reduced,
		}
	}

	cellTemp := CellTemperature(ambientC, poa.Total, windMs)
	tempCorrection := TemperatureCorrection(cellTemp)

	powerKWh := (poa.Total / 1000.0) * e.capacityKWp * tempCorrection * e.systemEff

	return PowerResult{
		PowerKWh:          math.Max(0.0, powerKWh),
		POAWm2:            poa.Total,
		CellTempC:         cellTemp,
		TempCorrection:    tempCorrection,
		SystemEfficiency:  e.systemEff,
		ReducedConfidence: reduced,
	}
}

// ClearSkyIrradiance approximates the irradiance components under a clear
// sky, with DNI attenuated by air mass at low elevations. Used as the
// upper-bound reference and as a fallback when no source reports
// irradiance.
func ClearSkyIrradiance(sun SunPosition) Irradiance {
	if sun.ElevationDeg <= 0 {
		return Irradiance{}
	}
	elevationRad := radians(sun.ElevationDeg)
	airMass := 1.0 / math.Max(math.Sin(elevationRad), 0.05)
	dni := 1000.0 * math.Pow(0.7, math.Pow(airMass, 0.678))
	dhi := 80.0 * math.Sin(elevationRad)
	return Irradiance{
		GHI: dni*math.Sin(elevationRad) + dhi,
		DNI: dni,
		DHI: dhi,
	}
}

// TheoreticalMax returns the clear-sky upper bound for the hour, used by the
// ensemble safeguard and the clipping detector.
func (e *Engine) TheoreticalMax(sun SunPosition) float64 {
	if sun.ElevationDeg <= 0 {
		return 0.0
	}
	poa := e.POAIrradiance(ClearSkyIrradiance(sun), sun)
	return (poa.Total / 1000.0) * e.capacityKWp * e.systemEff
}

func radians(deg float64) float64 { return deg * math.Pi / 180.0 }
func degrees(rad float64) float64 { return rad * 180.0 / math.Pi }
