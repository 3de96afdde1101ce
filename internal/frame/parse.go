package frame

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultMarker is the sentinel that starts every telemetry frame.
const DefaultMarker = "<ZEPH>"

// Reason classifies a rejected line.
type Reason int

const (
	// ReasonNotAFrame: the line does not start with the marker.
	ReasonNotAFrame Reason = iota + 1
	// ReasonBadFrameLength: the data field count is not FieldCount.
	ReasonBadFrameLength
	// ReasonFieldParse: a data field is not a valid number.
	ReasonFieldParse
)

func (r Reason) String() string {
	switch r {
	case ReasonNotAFrame:
		return "NOT_A_FRAME"
	case ReasonBadFrameLength:
		return "BAD_FRAME_LENGTH"
	case ReasonFieldParse:
		return "FIELD_PARSE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Sentinels matched by errors.Is against a *ParseError of the same reason.
var (
	ErrNotAFrame      = errors.New("frame: not a frame")
	ErrBadFrameLength = errors.New("frame: bad frame length")
	ErrFieldParse     = errors.New("frame: field parse error")
)

// ParseError describes why a line did not produce a Record.
type ParseError struct {
	Reason Reason

	// Count is the observed number of data fields (ReasonBadFrameLength).
	Count int

	// Field is the 1-based data field position (ReasonFieldParse).
	Field int
	Name  string
	Value string

	Err error
}

func (e *ParseError) Error() string {
	switch e.Reason {
	case ReasonNotAFrame:
		return "frame: not a frame"
	case ReasonBadFrameLength:
		return fmt.Sprintf("frame: bad frame length: got %d fields want %d", e.Count, FieldCount)
	case ReasonFieldParse:
		return fmt.Sprintf("frame: field %d (%s) %q: %v", e.Field, e.Name, e.Value, e.Err)
	default:
		return "frame: rejected"
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool {
	switch target {
	case ErrNotAFrame:
		return e.Reason == ReasonNotAFrame
	case ErrBadFrameLength:
		return e.Reason == ReasonBadFrameLength
	case ErrFieldParse:
		return e.Reason == ReasonFieldParse
	}
	return false
}

// ReasonOf returns the rejection reason carried by err, or 0.
func ReasonOf(err error) Reason {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return 0
}

// Parser parses lines that start with Marker.
// The zero value uses DefaultMarker.
type Parser struct {
	Marker string
}

// Parse parses line with the default marker.
func Parse(line string) (Record, error) {
	return Parser{}.Parse(line)
}

// Parse returns the Record encoded in line or a *ParseError.
// It never returns a partially filled Record.
func (p Parser) Parse(line string) (Record, error) {
	marker := p.Marker
	if marker == "" {
		marker = DefaultMarker
	}

	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, marker) {
		return Record{}, &ParseError{Reason: ReasonNotAFrame}
	}
	body := strings.TrimSpace(line[len(marker):])
	body = strings.TrimPrefix(body, ",")
	if body == "" {
		return Record{}, &ParseError{Reason: ReasonBadFrameLength, Count: 0}
	}

	parts := strings.Split(body, ",")
	seqField, data := parts[0], parts[1:]
	if len(data) != FieldCount {
		return Record{}, &ParseError{Reason: ReasonBadFrameLength, Count: len(data)}
	}

	// The sequence number is not part of the record; a bad one only loses
	// gap accounting.
	var r Record
	if seq, err := strconv.ParseUint(strings.TrimSpace(seqField), 10, 32); err == nil {
		r.Sequence = uint32(seq)
		r.HasSequence = true
	}

	for i, slot := range r.slots() {
		raw := strings.TrimSpace(data[i])
		if err := setField(slot, raw); err != nil {
			return Record{}, fieldError(i+1, raw, err)
		}
	}
	return r, nil
}

func fieldError(pos int, raw string, err error) *ParseError {
	var ne *strconv.NumError
	if errors.As(err, &ne) {
		err = ne.Err
	}
	if len(raw) > 32 {
		raw = raw[:32]
	}
	return &ParseError{
		Reason: ReasonFieldParse,
		Field:  pos,
		Name:   FieldName(pos),
		Value:  raw,
		Err:    err,
	}
}

var errNotFinite = errors.New("not a finite number")

func setField(slot any, raw string) error {
	switch v := slot.(type) {
	case *int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*v = n
	case *int:
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return err
		}
		*v = int(n)
	case *float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errNotFinite
		}
		*v = f
	default:
		return fmt.Errorf("unsupported field type %T", slot)
	}
	return nil
}
