package doctor

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"echo-chat/go-engine/internal/ledger/memledger"
	"echo-chat/go-engine/pkg/models"
)

const (
	alice models.Identity = "0x1111111111111111111111111111111111111111"
	bob   models.Identity = "0x2222222222222222222222222222222222222222"
)

func TestDoctorPassesReadyRuntime(t *testing.T) {
	ledger := memledger.New()
	if err := ledger.Register(alice, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := New()
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	report := svc.Run(context.Background(), Input{
		Ledger:      ledger.Session(alice),
		Local:       alice,
		CachePath:   filepath.Join(t.TempDir(), "state", "recents.json"),
		MetricsAddr: freeAddr(t),
	})
	if !report.Ready {
		t.Fatalf("expected readiness pass, report=%+v", report)
	}
	if !report.CheckedAt.Equal(now) {
		t.Fatalf("unexpected checked_at: %v", report.CheckedAt)
	}
	assertCheck(t, report, "local_account_registered", true)
	assertCheck(t, report, "cache_path_writable", true)
	assertCheck(t, report, "metrics_address_available", true)
}

func TestDoctorReportsUnregisteredLocalIdentity(t *testing.T) {
	ledger := memledger.New()
	if err := ledger.Register(alice, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	report := New().Run(context.Background(), Input{Ledger: ledger.Session(bob), Local: bob})
	if report.Ready {
		t.Fatalf("expected readiness fail, report=%+v", report)
	}
	assertCheck(t, report, "ledger_reachable", true)
	assertCheck(t, report, "local_account_registered", false)
}

func TestDoctorReportsUnreachableLedger(t *testing.T) {
	ledger := memledger.New()
	ledger.FailNext(memledger.MethodUserCount, errors.New("dial tcp: connection refused"))
	report := New().Run(context.Background(), Input{Ledger: ledger.Session(alice), Local: alice})
	if report.Ready {
		t.Fatalf("expected readiness fail, report=%+v", report)
	}
	assertCheck(t, report, "ledger_reachable", false)
	for _, c := range report.Checks {
		if c.Name == "local_account_registered" {
			t.Fatalf("account check must be skipped when the ledger is unreachable: %+v", report)
		}
	}
}

func TestDoctorDetectsBusyMetricsAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen temp port: %v", err)
	}
	defer func() {
		if closeErr := ln.Close(); closeErr != nil {
			t.Logf("close temp listener: %v", closeErr)
		}
	}()
	report := New().Run(context.Background(), Input{MetricsAddr: ln.Addr().String()})
	assertCheck(t, report, "ledger_reachable", false)
	assertCheck(t, report, "metrics_address_available", false)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("alloc free port: %v", err)
	}
	defer func() {
		if closeErr := ln.Close(); closeErr != nil {
			t.Logf("close temp listener: %v", closeErr)
		}
	}()
	return ln.Addr().String()
}

func assertCheck(t *testing.T, report Report, name string, pass bool) {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			if c.Pass != pass {
				t.Fatalf("check %s expected pass=%v got=%v report=%+v", name, pass, c.Pass, report)
			}
			return
		}
	}
	t.Fatalf("check %s not found in report=%+v", name, report)
}
