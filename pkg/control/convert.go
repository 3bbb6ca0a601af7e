package control

import (
	"encoding/json"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-mgmt/pkg/domain"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

// toValue converts v to a protobuf value. Values structpb cannot represent
// directly, such as typed slices, go through their JSON form.
func toValue(v any) (*structpb.Value, error) {
	if value, err := structpb.NewValue(v); err == nil {
		return value, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewValidationError("value cannot be encoded", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, errors.NewInternalError("value cannot be decoded", err)
	}
	return structpb.NewValue(generic)
}

func fromValue(v *structpb.Value) any {
	if v == nil {
		return nil
	}
	return v.AsInterface()
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(fields))}
	for key, raw := range fields {
		value, err := toValue(raw)
		if err != nil {
			return nil, errors.NewValidationError("field cannot be encoded", err).WithContext("field", key)
		}
		out.Fields[key] = value
	}
	return out, nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func mapField(s *structpb.Struct, key string) map[string]any {
	nested := s.GetFields()[key].GetStructValue()
	if nested == nil {
		return nil
	}
	return nested.AsMap()
}

func taskToStruct(info domain.TaskInfo) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"id":        info.ID,
		"name":      info.Name,
		"entity_id": info.EntityID,
		"effector":  info.Effector,
		"state":     info.State,
		"done":      info.Done,
		"result":    info.Result,
		"error":     info.Error,
	})
}

func taskFromStruct(s *structpb.Struct) domain.TaskInfo {
	return domain.TaskInfo{
		ID:       stringField(s, "id"),
		Name:     stringField(s, "name"),
		EntityID: stringField(s, "entity_id"),
		Effector: stringField(s, "effector"),
		State:    stringField(s, "state"),
		Done:     boolField(s, "done"),
		Result:   fromValue(s.GetFields()["result"]),
		Error:    stringField(s, "error"),
	}
}

func summaryToMap(summary domain.EntitySummary) map[string]any {
	tags := make([]any, 0, len(summary.Tags))
	for _, tag := range summary.Tags {
		tags = append(tags, tag)
	}
	out := map[string]any{
		"id":           summary.ID,
		"display_name": summary.DisplayName,
		"tags":         tags,
		"state":        summary.State,
	}
	if summary.Up != nil {
		out["up"] = *summary.Up
	}
	return out
}

func summaryFromStruct(s *structpb.Struct) domain.EntitySummary {
	summary := domain.EntitySummary{
		ID:          stringField(s, "id"),
		DisplayName: stringField(s, "display_name"),
		State:       stringField(s, "state"),
		Tags:        make([]string, 0),
	}
	for _, tag := range s.GetFields()["tags"].GetListValue().GetValues() {
		summary.Tags = append(summary.Tags, tag.GetStringValue())
	}
	if up, ok := s.GetFields()["up"]; ok {
		value := up.GetBoolValue()
		summary.Up = &value
	}
	return summary
}

// toStatus maps a domain error to a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.IsNotFoundError(err):
		code = codes.NotFound
	case errors.IsValidationError(err), errors.IsMissingParameterError(err), errors.IsConfigTypeError(err):
		code = codes.InvalidArgument
	case errors.IsConflictError(err), errors.IsCycleError(err), errors.IsReparentError(err):
		code = codes.FailedPrecondition
	case errors.IsTimeoutError(err):
		code = codes.DeadlineExceeded
	case errors.IsCancelledError(err):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// fromStatus maps a gRPC status error back to the closest domain error
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	message := st.Message()
	switch st.Code() {
	case codes.NotFound:
		return errors.NewNotFoundError(message, err)
	case codes.InvalidArgument:
		return errors.NewValidationError(message, err)
	case codes.FailedPrecondition:
		return errors.NewConflictError(message, err)
	case codes.DeadlineExceeded:
		return errors.NewTimeoutError(message, err)
	case codes.Canceled:
		return errors.NewCancelledError(message, err)
	case codes.Unavailable:
		return errors.NewIOError(message, err)
	}
	return errors.NewInternalError(message, err)
}
