package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ncp-mesh/ncp/internal/ncp/validator"
)

func TestConnect_RejectsCommandFailingValidator(t *testing.T) {
	cfg := Config{
		Name:    "evil",
		Kind:    KindStdio,
		Command: "rm -rf /; echo",
	}

	_, err := Connect(context.Background(), cfg, validator.New(zerolog.Nop()), zerolog.Nop())
	require.Error(t, err)

	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, FailureCommandUnsafe, te.Kind)
}

func TestConnect_UnsupportedKind(t *testing.T) {
	cfg := Config{Name: "x", Kind: Kind("carrier-pigeon")}

	_, err := Connect(context.Background(), cfg, validator.New(zerolog.Nop()), zerolog.Nop())
	require.Error(t, err)
}

func TestError_UnwrapAndMessage(t *testing.T) {
	inner := errors.New("boom")
	e := &Error{Kind: FailureNetwork, Err: inner}

	require.ErrorIs(t, e, inner)
	require.Contains(t, e.Error(), "network_error")
	require.Contains(t, e.Error(), "boom")
}

func TestTransport_CallAfterCloseIsRejected(t *testing.T) {
	tr := &Transport{}
	tr.closed.Store(true)

	_, err := tr.Call(context.Background(), "whatever", nil)
	require.Error(t, err)

	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, FailureClosed, te.Kind)
}

func TestClassifyCallError_DistinguishesCancelledFromTimeout(t *testing.T) {
	require.Equal(t, FailureCancelled, classifyCallError(context.Canceled))
	require.Equal(t, FailureTimeout, classifyCallError(context.DeadlineExceeded))
	require.Equal(t, FailureNetwork, classifyCallError(errors.New("connection reset")))
}

func TestTransport_NotificationFanout(t *testing.T) {
	tr := &Transport{}

	var got []Notification
	tr.OnNotification(func(n Notification) { got = append(got, n) })
	tr.OnNotification(func(n Notification) { got = append(got, n) })

	tr.dispatchNotification(Notification{Method: "notifications/tools/list_changed"})

	require.Len(t, got, 2)
	require.Equal(t, "notifications/tools/list_changed", got[0].Method)
}
