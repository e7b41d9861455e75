package handler

import (
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// httpStatus maps an engine error code to an HTTP status.
func httpStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeAuthorization:
		return http.StatusForbidden
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidState:
		return http.StatusConflict
	case errors.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case errors.ErrCodePersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode maps an engine error code to a gRPC status code.
func grpcCode(err error) codes.Code {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		return codes.InvalidArgument
	case errors.ErrCodeAuthorization:
		return codes.PermissionDenied
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeInvalidState, errors.ErrCodeConfiguration:
		return codes.FailedPrecondition
	case errors.ErrCodePersistence:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
}

func newErrorBody(err error) *errorBody {
	body := &errorBody{
		Code:      string(errors.CodeOf(err)),
		Message:   err.Error(),
		Details:   errors.DetailsOf(err),
		Retryable: errors.IsRetryable(err),
	}
	if body.Code == string(errors.ErrCodeInternal) {
		body.Message = "internal error"
		body.Details = nil
	}
	return body
}

// mapErrorToGRPC converts an engine error to a gRPC status. Details travel
// as a google.protobuf.Struct status detail.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	body := newErrorBody(err)
	st := status.New(grpcCode(err), body.Message)

	fields := map[string]interface{}{"code": body.Code}
	for k, v := range body.Details {
		fields[k] = v
	}
	detail, convErr := structpb.NewStruct(jsonSafe(fields))
	if convErr != nil {
		return st.Err()
	}
	if withDetails, detErr := st.WithDetails(detail); detErr == nil {
		return withDetails.Err()
	}
	return st.Err()
}

// jsonSafe converts values structpb cannot take directly, such as []string.
func jsonSafe(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case []string:
			list := make([]interface{}, len(t))
			for i, s := range t {
				list[i] = s
			}
			out[k] = list
		default:
			out[k] = v
		}
	}
	return out
}
