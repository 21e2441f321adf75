package httpapi

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestContextEndsOnShutdown(t *testing.T) {
	shutdown, stop := context.WithCancel(context.Background())
	SetBaseContext(shutdown)
	t.Cleanup(func() { SetBaseContext(nil) })

	r := httptest.NewRequest("GET", "/jobs/abc", nil)
	ctx, cancel := requestContext(r)
	defer cancel()
	require.NoError(t, ctx.Err())

	stop()
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("job handler context survived shutdown")
	}
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
}

func TestRequestContextEndsWhenClientLeaves(t *testing.T) {
	SetBaseContext(nil)

	client, leave := context.WithCancel(context.Background())
	r := httptest.NewRequest("DELETE", "/jobs/abc", nil).WithContext(client)
	ctx, cancel := requestContext(r)
	defer cancel()

	leave()
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("cancel handler context survived client disconnect")
	}
}

func TestJoinContextsKeepsRequestValues(t *testing.T) {
	type reqKey struct{}
	req := context.WithValue(context.Background(), reqKey{}, "req-1")
	ctx, cancel := joinContexts(context.Background(), req)
	defer cancel()
	assert.Equal(t, "req-1", ctx.Value(reqKey{}))
}

func TestJoinContextsCancelReleasesBase(t *testing.T) {
	base, stopBase := context.WithCancel(context.Background())
	defer stopBase()
	ctx, cancel := joinContexts(base, context.Background())
	cancel()
	assert.Error(t, ctx.Err())
	require.NoError(t, base.Err(), "cancelling the handler context must not end the shutdown context")
}
