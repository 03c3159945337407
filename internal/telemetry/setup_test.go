package telemetry

import (
	"context"
	"testing"

	"github.com/acme/campaign-dispatcher/internal/config"
)

func TestServiceName(t *testing.T) {
	app := config.AppConfig{Name: "campaign-dispatcher"}
	cases := []struct {
		cfg       config.TelemetryConfig
		component string
		want      string
	}{
		{config.TelemetryConfig{}, "api", "campaign-dispatcher-api"},
		{config.TelemetryConfig{ServiceName: "dispatch"}, "journal", "dispatch-journal"},
		{config.TelemetryConfig{ServiceName: "dispatch"}, "", "dispatch"},
	}
	for _, tc := range cases {
		if got := ServiceName(tc.cfg, app, tc.component); got != tc.want {
			t.Fatalf("ServiceName(%+v, %q) = %q want %q", tc.cfg, tc.component, got, tc.want)
		}
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, config.AppConfig{}, "api")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
