// Package doctor runs readiness checks for a configured engine runtime.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/pkg/models"
)

type Input struct {
	Ledger      contracts.LedgerReader
	Local       models.Identity
	CachePath   string
	MetricsAddr string
}

type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type Report struct {
	Ready     bool      `json:"ready"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

type Service struct {
	now func() time.Time
}

func New() *Service {
	return &Service{now: func() time.Time { return time.Now().UTC() }}
}

// Run never fails as a whole; every problem becomes a failed check.
func (s *Service) Run(ctx context.Context, input Input) Report {
	report := Report{
		Ready:     true,
		Checks:    make([]Check, 0, 5),
		CheckedAt: s.now(),
	}
	appendCheck := func(name string, pass bool, reason string) {
		report.Checks = append(report.Checks, Check{Name: name, Pass: pass, Reason: reason})
		if !pass {
			report.Ready = false
		}
	}

	if input.Ledger == nil {
		appendCheck("ledger_reachable", false, "no ledger configured")
	} else if users, err := input.Ledger.UserCount(ctx); err != nil {
		appendCheck("ledger_reachable", false, err.Error())
	} else {
		appendCheck("ledger_reachable", true, "")
		appendCheck("ledger_has_accounts", users > 0, failReason(users == 0, "ledger reports no registered accounts"))
		exists, err := input.Ledger.AccountExists(ctx, input.Local)
		switch {
		case err != nil:
			appendCheck("local_account_registered", false, err.Error())
		default:
			appendCheck("local_account_registered", exists, failReason(!exists, "local identity has no account; run register"))
		}
	}

	if path := strings.TrimSpace(input.CachePath); path != "" {
		if err := checkWritableDir(filepath.Dir(path)); err != nil {
			appendCheck("cache_path_writable", false, err.Error())
		} else {
			appendCheck("cache_path_writable", true, "")
		}
	}

	if addr := strings.TrimSpace(input.MetricsAddr); addr != "" {
		if err := checkAddrAvailable(addr); err != nil {
			appendCheck("metrics_address_available", false, err.Error())
		} else {
			appendCheck("metrics_address_available", true, "")
		}
	}
	return report
}

func failReason(failed bool, reason string) string {
	if !failed {
		return ""
	}
	return reason
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cache directory %q is not creatable: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".doctor-probe-*")
	if err != nil {
		return fmt.Errorf("cache directory %q is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

func checkAddrAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is unavailable: %w", addr, err)
	}
	_ = ln.Close()
	return nil
}
