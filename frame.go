package feedbackbridge

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"go.viam.com/rdk/utils"
)

// Field numbers of the SensorData message sent by the onboard controller.
const (
	fieldSeqID      protowire.Number = 1
	fieldAccelData  protowire.Number = 2
	fieldGyroData   protowire.Number = 3
	fieldLrfData    protowire.Number = 4
	fieldCountData  protowire.Number = 5
	fieldStatusData protowire.Number = 6
)

// Field numbers inside the nested messages.
const (
	fieldAxisX protowire.Number = 1
	fieldAxisY protowire.Number = 2
	fieldAxisZ protowire.Number = 3

	fieldLrfValues = 1

	fieldCountLeft  = 1
	fieldCountRight = 2

	fieldStatusVal     = 1
	fieldStatusMessage = 2
)

// SensorFrame is one decoded feedback report from a robot.
type SensorFrame struct {
	SequenceID uint32

	Accel r3.Vector // m/s^2
	Gyro  r3.Vector // rad/s

	// RangeSamples are laser ranges in millimetres, as received.
	RangeSamples []float64

	EncoderLeft  int32
	EncoderRight int32

	StatusCode    uint32
	StatusMessage string
}

// DecodeError reports a payload that does not parse as a SensorData message.
type DecodeError struct {
	Field protowire.Number
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("decode sensor frame: %v", e.Err)
	}
	return fmt.Sprintf("decode sensor frame field %d: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(field protowire.Number, err error) error {
	return &DecodeError{Field: field, Err: err}
}

// Decode parses a raw SensorData payload. Gyro rates arrive in degrees/s and
// are returned in radians/s; ranges are left in millimetres.
func Decode(raw []byte) (SensorFrame, error) {
	var frame SensorFrame

	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldSeqID:
			v, n, err := consumeVarint(typ, b)
			frame.SequenceID = uint32(v)
			return n, err
		case fieldAccelData, fieldGyroData:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			vec, err := decodeVector(msg)
			if err != nil {
				return n, err
			}
			if num == fieldGyroData {
				vec = r3.Vector{X: utils.DegToRad(vec.X), Y: utils.DegToRad(vec.Y), Z: utils.DegToRad(vec.Z)}
				frame.Gyro = vec
			} else {
				frame.Accel = vec
			}
			return n, nil
		case fieldLrfData:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			samples, err := decodeRanges(msg)
			if err != nil {
				return n, err
			}
			frame.RangeSamples = append(frame.RangeSamples, samples...)
			return n, nil
		case fieldCountData:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			return n, walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case fieldCountLeft:
					v, n, err := consumeVarint(typ, b)
					frame.EncoderLeft = int32(v)
					return n, err
				case fieldCountRight:
					v, n, err := consumeVarint(typ, b)
					frame.EncoderRight = int32(v)
					return n, err
				}
				return skipField(num, typ, b)
			})
		case fieldStatusData:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			return n, walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case fieldStatusVal:
					v, n, err := consumeVarint(typ, b)
					frame.StatusCode = uint32(v)
					return n, err
				case fieldStatusMessage:
					s, n, err := consumeMessage(typ, b)
					if err != nil {
						return 0, err
					}
					if !utf8.Valid(s) {
						return 0, errors.New("status message is not valid UTF-8")
					}
					frame.StatusMessage = string(s)
					return n, nil
				}
				return skipField(num, typ, b)
			})
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return SensorFrame{}, err
	}
	return frame, nil
}

// walkFields calls fn for every field in b. fn receives the bytes following
// the tag and returns how many of them it consumed.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeErr(0, errors.Wrap(protowire.ParseError(n), "bad tag"))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			// failures inside a nested message are reported against the
			// enclosing field
			var de *DecodeError
			if errors.As(err, &de) {
				if de.Field == 0 {
					return decodeErr(num, errors.Wrap(de.Err, "nested"))
				}
				return decodeErr(num, errors.Wrapf(de.Err, "nested field %d", de.Field))
			}
			return decodeErr(num, err)
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("expected varint, got wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeMessage(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("expected length-delimited field, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func decodeVector(msg []byte) (r3.Vector, error) {
	var vec r3.Vector
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var dst *float64
		switch num {
		case fieldAxisX:
			dst = &vec.X
		case fieldAxisY:
			dst = &vec.Y
		case fieldAxisZ:
			dst = &vec.Z
		default:
			return skipField(num, typ, b)
		}
		if typ != protowire.Fixed32Type {
			return 0, errors.Errorf("expected float, got wire type %d", typ)
		}
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = float64(math.Float32frombits(v))
		return n, nil
	})
	return vec, err
}

// decodeRanges accepts both packed and unpacked encodings of the repeated
// values field.
func decodeRanges(msg []byte) ([]float64, error) {
	var samples []float64
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldLrfValues {
			return skipField(num, typ, b)
		}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			samples = append(samples, float64(int32(v)))
			return n, nil
		case protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, errors.Wrap(protowire.ParseError(m), "packed range values")
				}
				samples = append(samples, float64(int32(v)))
				packed = packed[m:]
			}
			return n, nil
		}
		return 0, errors.Errorf("unexpected wire type %d for range values", typ)
	})
	return samples, err
}

// Encode serializes a frame into the SensorData wire format. Gyro rates are
// converted back to degrees/s and ranges are rounded to whole millimetres.
func Encode(frame SensorFrame) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSeqID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(frame.SequenceID))

	b = appendMessage(b, fieldAccelData, appendVector(nil, frame.Accel))
	gyroDeg := r3.Vector{X: utils.RadToDeg(frame.Gyro.X), Y: utils.RadToDeg(frame.Gyro.Y), Z: utils.RadToDeg(frame.Gyro.Z)}
	b = appendMessage(b, fieldGyroData, appendVector(nil, gyroDeg))

	var packed []byte
	for _, s := range frame.RangeSamples {
		packed = protowire.AppendVarint(packed, uint64(int64(int32(math.Round(s)))))
	}
	var lrf []byte
	if len(packed) > 0 {
		lrf = protowire.AppendTag(lrf, fieldLrfValues, protowire.BytesType)
		lrf = protowire.AppendBytes(lrf, packed)
	}
	b = appendMessage(b, fieldLrfData, lrf)

	var count []byte
	count = protowire.AppendTag(count, fieldCountLeft, protowire.VarintType)
	count = protowire.AppendVarint(count, uint64(int64(frame.EncoderLeft)))
	count = protowire.AppendTag(count, fieldCountRight, protowire.VarintType)
	count = protowire.AppendVarint(count, uint64(int64(frame.EncoderRight)))
	b = appendMessage(b, fieldCountData, count)

	var status []byte
	status = protowire.AppendTag(status, fieldStatusVal, protowire.VarintType)
	status = protowire.AppendVarint(status, uint64(frame.StatusCode))
	status = protowire.AppendTag(status, fieldStatusMessage, protowire.BytesType)
	status = protowire.AppendString(status, frame.StatusMessage)
	b = appendMessage(b, fieldStatusData, status)

	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVector(b []byte, v r3.Vector) []byte {
	for i, c := range []float64{v.X, v.Y, v.Z} {
		b = protowire.AppendTag(b, fieldAxisX+protowire.Number(i), protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(float32(c)))
	}
	return b
}
