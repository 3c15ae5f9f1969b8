package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli"

	"shotcal/internal/config"
	"shotcal/internal/gcal"
	"shotcal/internal/ics"
	"shotcal/internal/policy"
	"shotcal/internal/store"
)

func TestAuthExit(t *testing.T) {
	err := authExit(fmt.Errorf("%w: no stored token", gcal.ErrAuth))
	var exit cli.ExitCoder
	if !errors.As(err, &exit) || exit.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
	if !strings.Contains(err.Error(), "shotcal auth") {
		t.Errorf("message should point at the auth command: %q", err.Error())
	}

	plain := authExit(errors.New("boom"))
	if strings.Contains(plain.Error(), "shotcal auth") {
		t.Errorf("non-auth error should not suggest auth: %q", plain.Error())
	}
}

func TestBuildMarker(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DefaultLocation = t.TempDir()

	cfg.Idempotency = config.IdempotencyFolder
	m, st, err := buildMarker(cfg)
	if err != nil {
		t.Fatalf("folder mode: %v", err)
	}
	if st != nil {
		t.Error("folder mode should not open a store")
	}
	if _, ok := m.(policy.FolderMarker); !ok {
		t.Errorf("marker = %T, want policy.FolderMarker", m)
	}

	cfg.Idempotency = config.IdempotencyStore
	cfg.StatePath = filepath.Join(t.TempDir(), "nested", "state.db")
	m, st, err = buildMarker(cfg)
	if err != nil {
		t.Fatalf("store mode: %v", err)
	}
	defer st.Close()
	if _, ok := m.(store.Marker); !ok {
		t.Errorf("marker = %T, want store.Marker", m)
	}
}

func TestBuildGatewayICS(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Source = config.SourceICS
	cfg.ICS = []config.ICSConfig{{ID: "work", URL: "https://example.com/work.ics"}}

	gw, err := buildGateway(context.Background(), cfg, time.UTC)
	if err != nil {
		t.Fatalf("buildGateway: %v", err)
	}
	g, ok := gw.(*ics.Gateway)
	if !ok {
		t.Fatalf("gateway = %T", gw)
	}
	if len(g.Sources) != 1 || g.Sources[0].ID != "work" || g.Location != time.UTC {
		t.Errorf("unexpected gateway %+v", g)
	}
}

func TestBuildGatewayGoogleWithoutCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Google.CredentialsFile = filepath.Join(t.TempDir(), "missing.json")

	_, err := buildGateway(context.Background(), cfg, time.UTC)
	if !errors.Is(err, gcal.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestPolicyOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	if opts := policyOptions(cfg); len(opts) != 0 {
		t.Errorf("no horizon configured, got %d options", len(opts))
	}
	cfg.HorizonSeconds = 60
	if opts := policyOptions(cfg); len(opts) != 1 {
		t.Errorf("horizon configured, got %d options", len(opts))
	}
}
