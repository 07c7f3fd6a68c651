package healthsrv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
)

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServer_ReflectsConnectionState(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "clock", nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	assert.ErrorIs(t, srv.Start(), ErrAlreadyStarted)

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "clock"))

	srv.ConnectionStateChanged(publisher.StateConnected)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "clock"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))

	srv.ConnectionStateChanged(publisher.StateDisconnected)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "clock"))
}

func TestServer_StopIsIdempotent(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "feed", nil)
	require.NoError(t, srv.Start())
	srv.Stop()
	srv.Stop()
}
