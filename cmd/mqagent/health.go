package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

var errNotServing = errors.New("agent is not serving")

func newHealthCommand() *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running agent's health",
		Long: `Query the gRPC health service of a running agent. The command exits
non-zero unless the agent is connected to its broker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Health.Addr
			}
			if addr == "" {
				return errors.New("health address is required (--addr or health.addr)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := checkHealth(ctx, addr, service)
			if err != nil {
				return fmt.Errorf("failed to check health: %w", err)
			}
			if jsonOut {
				data, err := protojson.Marshal(resp)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", addr, resp.GetStatus())
			}
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return errNotServing
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Health service address (defaults to health.addr)")
	cmd.Flags().StringVar(&service, "service", "", "Service name to check; empty checks the whole agent")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw health response as JSON")
	return cmd
}

// checkHealth queries the health service at addr
func checkHealth(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}
