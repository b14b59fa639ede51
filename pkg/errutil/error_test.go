package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestBaseErrorReasonFallsBackToCode(t *testing.T) {
	err := NotFound("license not found", nil)

	var be BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, "not_found", be.ReasonCode())
	require.Equal(t, http.StatusNotFound, be.Code.HTTPStatus())
}

func TestBaseErrorKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := ServiceUnavailable("store unavailable", cause, WithReason("store_unavailable"))

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")

	var be BaseError
	require.True(t, errors.As(err, &be))
	body := be.JSON().(map[string]interface{})
	require.Equal(t, false, body["ok"])
	require.Equal(t, "store_unavailable", body["error"])
	require.NotContains(t, fmt.Sprint(body), "disk full")
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[CoreStatus]int{
		StatusBadRequest:         http.StatusBadRequest,
		StatusUnauthorized:       http.StatusUnauthorized,
		StatusForbidden:          http.StatusForbidden,
		StatusConflict:           http.StatusConflict,
		StatusTooManyRequests:    http.StatusTooManyRequests,
		StatusServiceUnavailable: http.StatusServiceUnavailable,
		StatusUnknown:            http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, code.HTTPStatus(), code)
	}
}

func TestToGRPCError(t *testing.T) {
	require.NoError(t, ToGRPCError(nil))

	st, ok := status.FromError(ToGRPCError(Conflict("seat limit reached", nil, WithReason("seat_limit_reached"))))
	require.True(t, ok)
	require.Equal(t, codes.Aborted, st.Code())
	require.Contains(t, st.Message(), "seat_limit_reached")

	st, _ = status.FromError(ToGRPCError(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	require.Equal(t, codes.DeadlineExceeded, st.Code())

	st, _ = status.FromError(ToGRPCError(errors.New("boom")))
	require.Equal(t, codes.Internal, st.Code())
}
