package sim

import (
	"math"
	"time"

	"zephirus-bridge/internal/frame"
)

const metersPerDegLat = 111_320.0

// Flight is a deterministic telemetry generator for a UAV loitering on a
// figure-eight around a center point. All outputs are a pure function of the
// elapsed time since launch.
type Flight struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltitudeM    float64
	RadiusM      float64
	Period       time.Duration
}

func (f Flight) period() time.Duration {
	if f.Period <= 0 {
		return 90 * time.Second
	}
	return f.Period
}

func (f Flight) radius() float64 {
	if f.RadiusM <= 0 {
		return 150
	}
	return f.RadiusM
}

func (f Flight) phase(elapsed time.Duration, period time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	return 2 * math.Pi * float64(elapsed%period) / float64(period)
}

// Position returns a figure-eight (Lissajous) ground track that stays within
// RadiusM of the center, plus the heading of the instantaneous velocity.
//
//	x = cos(w)       east
//	y = 0.5*sin(2w)  north
func (f Flight) Position(elapsed time.Duration) (latDeg, lonDeg, headingDeg float64) {
	w := f.phase(elapsed, f.period())
	radiusDeg := f.radius() / metersPerDegLat

	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)
	latDeg = f.CenterLatDeg + radiusDeg*y
	lonDeg = f.CenterLonDeg + (radiusDeg*x)/math.Cos(f.CenterLatDeg*math.Pi/180.0)

	vx := -math.Sin(w)
	vy := math.Cos(2 * w)
	headingDeg = math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	return latDeg, lonDeg, headingDeg
}

// GroundSpeed is the magnitude of the track velocity in m/s.
func (f Flight) GroundSpeed(elapsed time.Duration) float64 {
	w := f.phase(elapsed, f.period())
	omega := 2 * math.Pi / f.period().Seconds()
	vx := -math.Sin(w)
	vy := math.Cos(2 * w)
	return f.radius() * omega * math.Hypot(vx, vy)
}

// Record samples every telemetry field at elapsed. Timestamp is milliseconds
// since launch, as the flight controller reports it.
func (f Flight) Record(elapsed time.Duration, seq uint32) frame.Record {
	lat, lon, heading := f.Position(elapsed)
	w := f.phase(elapsed, f.period())

	// Vertical and environmental cycles run slower than the horizontal one.
	wv := f.phase(elapsed, 2*f.period())
	alt := f.AltitudeM
	if alt == 0 {
		alt = 120
	}
	alt += 15 * math.Sin(wv)

	roll := 18 * math.Sin(2*w)
	pitch := 4 * math.Cos(wv)
	rollRad := roll * math.Pi / 180
	pitchRad := pitch * math.Pi / 180

	humidity := 60 + 6*math.Cos(wv)
	humStatus := 0
	if humidity < 56 {
		humStatus = 1
	}

	return frame.Record{
		Sequence:         seq,
		HasSequence:      true,
		Timestamp:        elapsed.Milliseconds(),
		Temperature:      round(24+1.5*math.Sin(wv), 2),
		Humidity:         round(humidity, 1),
		Pressure:         round(1013.25-0.12*alt, 2),
		AccelX:           round(-math.Sin(pitchRad), 3),
		AccelY:           round(math.Sin(rollRad)*math.Cos(pitchRad), 3),
		AccelZ:           round(math.Cos(rollRad)*math.Cos(pitchRad), 3),
		GyroX:            round(36*math.Cos(2*w)*2*math.Pi/f.period().Seconds(), 3),
		GyroY:            round(-4*math.Sin(wv)*math.Pi/f.period().Seconds(), 3),
		GyroZ:            round(turnRate(f, elapsed), 3),
		Pitch:            round(pitch, 2),
		Roll:             round(roll, 2),
		Heading:          round(heading, 1),
		Lat:              round(lat, 6),
		Lon:              round(lon, 6),
		Altitude:         round(alt, 1),
		SatelliteCount:   9 + int(math.Round(2*math.Sin(wv))),
		HDOP:             round(0.9-0.2*math.Sin(wv), 2),
		GroundSpeed:      round(f.GroundSpeed(elapsed), 2),
		HumidifierStatus: humStatus,
		SignalStrength:   72 + int(math.Round(14*math.Cos(w))),
	}
}

// turnRate approximates the heading derivative in deg/s over a 100ms step.
func turnRate(f Flight, elapsed time.Duration) float64 {
	const step = 100 * time.Millisecond
	_, _, h0 := f.Position(elapsed)
	_, _, h1 := f.Position(elapsed + step)
	d := math.Mod(h1-h0+540, 360) - 180
	return d / step.Seconds()
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
