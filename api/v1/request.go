package api

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Fields of the CreateTask request struct.
const (
	FieldCredentials     = "credentials"
	FieldTarget          = "target"
	FieldPrefix          = "prefix"
	FieldIntervalSeconds = "interval_seconds"
	FieldMessages        = "messages"
	FieldOnce            = "once"
)

// maxIntervalSeconds is the largest whole number of seconds a time.Duration
// can hold.
const maxIntervalSeconds = float64(math.MaxInt64 / int64(time.Second))

// CreateTaskRequest is the typed form of a CreateTask request.
type CreateTaskRequest struct {
	Credentials []string
	Target      string
	Prefix      string
	Interval    time.Duration
	Messages    []string
	Once        bool
}

// Struct encodes r for the wire.
func (r CreateTaskRequest) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		FieldCredentials:     toAny(r.Credentials),
		FieldTarget:          r.Target,
		FieldPrefix:          r.Prefix,
		FieldIntervalSeconds: r.Interval.Seconds(),
		FieldMessages:        toAny(r.Messages),
		FieldOnce:            r.Once,
	})
}

// ParseCreateTaskRequest decodes a CreateTask request. Missing fields are
// left at their zero value; fields of the wrong type are an error.
func ParseCreateTaskRequest(s *structpb.Struct) (CreateTaskRequest, error) {
	var (
		r   CreateTaskRequest
		err error
	)

	fields := s.GetFields()

	if r.Credentials, err = stringList(fields, FieldCredentials); err != nil {
		return r, err
	}

	if r.Messages, err = stringList(fields, FieldMessages); err != nil {
		return r, err
	}

	if r.Target, err = stringField(fields, FieldTarget); err != nil {
		return r, err
	}

	if r.Prefix, err = stringField(fields, FieldPrefix); err != nil {
		return r, err
	}

	if v, ok := fields[FieldIntervalSeconds]; ok {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return r, fmt.Errorf("%s must be a number", FieldIntervalSeconds)
		}

		seconds := n.NumberValue
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds != math.Trunc(seconds) {
			return r, fmt.Errorf("%s must be a whole number of seconds", FieldIntervalSeconds)
		}

		if math.Abs(seconds) > maxIntervalSeconds {
			return r, fmt.Errorf("%s is out of range", FieldIntervalSeconds)
		}

		r.Interval = time.Duration(seconds) * time.Second
	}

	if v, ok := fields[FieldOnce]; ok {
		b, ok := v.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return r, fmt.Errorf("%s must be a bool", FieldOnce)
		}

		r.Once = b.BoolValue
	}

	return r, nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}

	return out
}

func stringField(fields map[string]*structpb.Value, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", nil
	}

	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%s must be a string", name)
	}

	return s.StringValue, nil
}

func stringList(fields map[string]*structpb.Value, name string) ([]string, error) {
	v, ok := fields[name]
	if !ok {
		return nil, nil
	}

	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s must be a list of strings", name)
	}

	out := make([]string, 0, len(list.GetValues()))

	for _, item := range list.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%s must be a list of strings", name)
		}

		out = append(out, s.StringValue)
	}

	return out, nil
}
