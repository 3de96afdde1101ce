package frame

import (
	"strconv"
	"strings"
)

// FieldCount is the number of data fields in the current wire-format version.
const FieldCount = 21

// Record is one decoded telemetry frame. Field order matches the wire format.
type Record struct {
	// Sequence is the packet counter that precedes the data fields. It is
	// valid only when HasSequence is set and is never sent downstream.
	Sequence    uint32 `json:"-"`
	HasSequence bool   `json:"-"`

	Timestamp        int64   `json:"timestamp"`
	Temperature      float64 `json:"temperature"`
	Humidity         float64 `json:"humidity"`
	Pressure         float64 `json:"pressure"`
	AccelX           float64 `json:"accelX"`
	AccelY           float64 `json:"accelY"`
	AccelZ           float64 `json:"accelZ"`
	GyroX            float64 `json:"gyroX"`
	GyroY            float64 `json:"gyroY"`
	GyroZ            float64 `json:"gyroZ"`
	Pitch            float64 `json:"pitch"`
	Roll             float64 `json:"roll"`
	Heading          float64 `json:"heading"`
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	Altitude         float64 `json:"altitude"`
	SatelliteCount   int     `json:"satelliteCount"`
	HDOP             float64 `json:"hdop"`
	GroundSpeed      float64 `json:"groundSpeed"`
	HumidifierStatus int     `json:"hum_status"`
	SignalStrength   int     `json:"signalStrength"`
}

// fieldNames are the JSON names of the data fields, in wire order.
var fieldNames = [FieldCount]string{
	"timestamp",
	"temperature",
	"humidity",
	"pressure",
	"accelX",
	"accelY",
	"accelZ",
	"gyroX",
	"gyroY",
	"gyroZ",
	"pitch",
	"roll",
	"heading",
	"lat",
	"lon",
	"altitude",
	"satelliteCount",
	"hdop",
	"groundSpeed",
	"hum_status",
	"signalStrength",
}

// FieldName returns the name of the data field at 1-based position pos.
func FieldName(pos int) string {
	if pos < 1 || pos > FieldCount {
		return ""
	}
	return fieldNames[pos-1]
}

// slots returns pointers to the data fields in wire order.
// Each element is *int64, *int or *float64.
func (r *Record) slots() [FieldCount]any {
	return [FieldCount]any{
		&r.Timestamp,
		&r.Temperature,
		&r.Humidity,
		&r.Pressure,
		&r.AccelX,
		&r.AccelY,
		&r.AccelZ,
		&r.GyroX,
		&r.GyroY,
		&r.GyroZ,
		&r.Pitch,
		&r.Roll,
		&r.Heading,
		&r.Lat,
		&r.Lon,
		&r.Altitude,
		&r.SatelliteCount,
		&r.HDOP,
		&r.GroundSpeed,
		&r.HumidifierStatus,
		&r.SignalStrength,
	}
}

// Fields formats the data fields in wire order, without marker or sequence.
func (r Record) Fields() []string {
	out := make([]string, 0, FieldCount)
	for _, s := range r.slots() {
		switch v := s.(type) {
		case *int64:
			out = append(out, strconv.FormatInt(*v, 10))
		case *int:
			out = append(out, strconv.Itoa(*v))
		case *float64:
			out = append(out, strconv.FormatFloat(*v, 'f', -1, 64))
		}
	}
	return out
}

// Line renders r back into wire form (without the trailing newline).
// The sequence number is always written. An empty marker uses DefaultMarker.
func (r Record) Line(marker string) string {
	if marker == "" {
		marker = DefaultMarker
	}
	var b strings.Builder
	b.WriteString(marker)
	b.WriteByte(',')
	b.WriteString(strconv.FormatUint(uint64(r.Sequence), 10))
	for _, f := range r.Fields() {
		b.WriteByte(',')
		b.WriteString(f)
	}
	return b.String()
}
