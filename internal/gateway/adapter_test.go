package gateway

import (
	"context"
	"errors"
	"testing"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/internal/ledger/memledger"
	"echo-chat/go-engine/internal/metrics"
	"echo-chat/go-engine/pkg/models"
)

const (
	local    models.Identity = "0x1111111111111111111111111111111111111111"
	peer     models.Identity = "0x2222222222222222222222222222222222222222"
	stranger models.Identity = "0x3333333333333333333333333333333333333333"
	broken   models.Identity = "0x4444444444444444444444444444444444444444"
)

// flakySession fails every existence check for one identity.
type flakySession struct {
	*memledger.Session
	failFor models.Identity
}

func (f flakySession) AccountExists(ctx context.Context, id models.Identity) (bool, error) {
	if id == f.failFor {
		return false, errors.New("rpc timeout")
	}
	return f.Session.AccountExists(ctx, id)
}

func newLedger(t *testing.T) *memledger.Ledger {
	t.Helper()
	l := memledger.New()
	for id, name := range map[models.Identity]string{local: "me", peer: "peer", broken: "broken"} {
		if err := l.Register(id, name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return l
}

func TestResolveProfilesDegradesPerIdentity(t *testing.T) {
	l := newLedger(t)
	rec := metrics.New(nil)
	a := New(flakySession{Session: l.Session(local), failFor: broken}, local, Options{Metrics: rec})

	got := a.ResolveProfiles(context.Background(), []models.Identity{peer, stranger, broken})
	if len(got) != 3 {
		t.Fatalf("expected 3 resolutions, got %d", len(got))
	}
	if got[0].DisplayName != "peer" || !got[0].Registered || got[0].AccountCreatedAt == 0 || got[0].Err != nil {
		t.Fatalf("unexpected peer resolution: %+v", got[0])
	}
	if got[1].DisplayName != identity.Abbreviate(stranger) || got[1].Registered || got[1].Err != nil {
		t.Fatalf("unexpected stranger resolution: %+v", got[1])
	}
	if got[2].DisplayName != identity.Abbreviate(broken) || got[2].Err == nil {
		t.Fatalf("failed lookup must fall back to abbreviation: %+v", got[2])
	}
	if contracts.KindOf(got[2].Err) != contracts.KindGatewayUnavailable {
		t.Fatalf("unexpected failure kind: %v", got[2].Err)
	}
	if snap := rec.Snapshot(); snap.OperationStats["accountExists"].Errors != 1 {
		t.Fatalf("expected one failed accountExists call, got %+v", snap.OperationStats)
	}
}

func TestResolveProfilesCachesOnlySuccesses(t *testing.T) {
	l := newLedger(t)
	a := New(l.Session(local), local, Options{})
	ctx := context.Background()

	l.FailNext(memledger.MethodAccountExists, errors.New("flaky"))
	first := a.ResolveProfiles(ctx, []models.Identity{peer})
	if first[0].Err == nil {
		t.Fatal("expected injected failure")
	}
	second := a.ResolveProfiles(ctx, []models.Identity{peer})
	if second[0].Err != nil || second[0].DisplayName != "peer" {
		t.Fatalf("failure must not be cached: %+v", second[0])
	}
	calls := l.Calls(memledger.MethodAccountExists)
	a.ResolveProfiles(ctx, []models.Identity{peer})
	if l.Calls(memledger.MethodAccountExists) != calls {
		t.Fatal("successful resolution must be served from cache")
	}
	a.Forget(peer)
	a.ResolveProfiles(ctx, []models.Identity{peer})
	if l.Calls(memledger.MethodAccountExists) != calls+1 {
		t.Fatal("forgotten identity must be resolved again")
	}
}

func TestCallsClassifyErrors(t *testing.T) {
	l := newLedger(t)
	a := New(l.Session(local), local, Options{})
	ctx := context.Background()

	l.FailNext(memledger.MethodListFriends, errors.New("connection reset"))
	_, err := a.ListFriends(ctx, local)
	var engineErr *contracts.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected engine error, got %T", err)
	}
	if engineErr.Kind != contracts.KindGatewayUnavailable || engineErr.Op != "gateway.listFriends" {
		t.Fatalf("unexpected classification: %+v", engineErr)
	}

	_, err = a.ResolveIdentityByUsername(ctx, "nobody")
	if !errors.Is(err, contracts.ErrNameNotFound) {
		t.Fatalf("expected name not found, got %v", err)
	}

	err = a.SubmitAddFriend(ctx, stranger, "")
	if contracts.KindOf(err) != contracts.KindCounterpartyUnregistered {
		t.Fatalf("expected counterparty unregistered, got %v", err)
	}
}

func TestLastMessagesSkipsEmptyAndFailedThreads(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if err := l.Session(peer).SubmitSendMessage(ctx, local, models.ChannelDirect, "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := l.Session(peer).SubmitSendMessage(ctx, local, models.ChannelDirect, "second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	a := New(l.Session(local), local, Options{ResolveConcurrency: 2})

	keys := []models.ThreadKey{
		{Counterparty: peer, Channel: models.ChannelDirect},
		{Counterparty: peer, Channel: models.ChannelFriend},
		{Counterparty: stranger, Channel: models.ChannelDirect},
	}
	got := a.LastMessages(ctx, keys)
	if len(got) != 1 {
		t.Fatalf("expected one non-empty thread, got %+v", got)
	}
	if msg := got[keys[0]]; msg.Body != "second" || msg.Sender != peer {
		t.Fatalf("unexpected last message: %+v", msg)
	}
}

func TestProbeBlockedOmitsFailedProbes(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if err := l.Session(local).SubmitBlock(ctx, peer); err != nil {
		t.Fatalf("block: %v", err)
	}
	a := New(l.Session(local), local, Options{ResolveConcurrency: 1})

	l.FailNext(memledger.MethodIsBlocked, errors.New("rpc timeout"))
	got := a.ProbeBlocked(ctx, []models.Identity{broken, peer, stranger})
	if len(got) != 2 {
		t.Fatalf("expected the failed probe to be omitted, got %+v", got)
	}
	if _, ok := got[broken]; ok {
		t.Fatal("failed probe must not report a state")
	}
	if !got[peer] || got[stranger] {
		t.Fatalf("unexpected probe results: %+v", got)
	}
}
