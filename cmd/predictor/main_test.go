package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/HatiCode/rackwatch/cmd/predictor/config"
	"github.com/HatiCode/rackwatch/pkg/anomaly"
)

func TestBuildPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	content := "default: 0.5\nthresholds:\n  4: 0.2\n  6: 0.3\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		AnomalyDirection: anomaly.Below,
		ThresholdsFile:   path,
		Thresholds:       map[int]float64{6: 0.9},
	}

	p, err := buildPolicy(cfg)
	if err != nil {
		t.Fatalf("buildPolicy() error = %v", err)
	}

	tests := []struct {
		fw   int
		want float64
	}{
		{4, 0.2},
		{6, 0.9}, // -thresholds wins over the file
		{24, anomaly.DefaultThresholds[24]},
		{7, 0.5},
	}
	for _, tt := range tests {
		if got := p.Threshold(tt.fw); got != tt.want {
			t.Errorf("Threshold(%d) = %v, want %v", tt.fw, got, tt.want)
		}
	}
	if p.Direction != anomaly.Below {
		t.Errorf("Direction = %q, want below", p.Direction)
	}
}

func TestBuildPolicy_MissingFile(t *testing.T) {
	cfg := &config.Config{ThresholdsFile: filepath.Join(t.TempDir(), "nope.yaml")}
	if _, err := buildPolicy(cfg); err == nil {
		t.Error("buildPolicy() expected error for missing file")
	}
}

func TestGRPCHealth(t *testing.T) {
	srv, health := newGRPCHealth()
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	check := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: healthService})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status before first tick = %v, want NOT_SERVING", got)
	}

	health.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	if got := check(); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("status after first tick = %v, want SERVING", got)
	}
}
