package relationship

import (
	"context"
	"errors"
	"testing"
	"time"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/ledger/memledger"
	"echo-chat/go-engine/pkg/models"
)

const (
	me       models.Identity = "0x1111111111111111111111111111111111111111"
	peer     models.Identity = "0x2222222222222222222222222222222222222222"
	stranger models.Identity = "0x3333333333333333333333333333333333333333"
)

func newFixture(t *testing.T) (*memledger.Ledger, *Machine) {
	t.Helper()
	l := memledger.New()
	if err := l.Register(me, "me"); err != nil {
		t.Fatalf("register me: %v", err)
	}
	if err := l.Register(peer, "peer"); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	return l, NewMachine(l.Session(me), me, nil, nil)
}

func TestAddFriendRequiresLedgerAccount(t *testing.T) {
	l, m := newFixture(t)
	err := m.Apply(context.Background(), Action{Kind: ActionAddFriend, Target: stranger})
	if !errors.Is(err, contracts.ErrCounterpartyUnregistered) {
		t.Fatalf("expected counterparty unregistered, got %v", err)
	}
	if calls := l.Calls(memledger.MethodSubmitAddFriend); calls != 0 {
		t.Fatalf("no submission expected, got %d", calls)
	}
	if m.State(stranger) != models.RelationshipUnrelated {
		t.Fatal("failed action must not change state")
	}
}

func TestAddFriendCommitsAfterConfirmation(t *testing.T) {
	l, m := newFixture(t)
	ctx := context.Background()
	m.Observe(Observation{DirectOnly: []models.Identity{peer}})
	if m.ChannelFor(peer) != models.ChannelDirect {
		t.Fatal("direct-only contact must use the direct channel")
	}

	if err := m.Apply(ctx, Action{Kind: ActionAddFriend, Target: peer, Nickname: "pal"}); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	if m.State(peer) != models.RelationshipFriend || m.ChannelFor(peer) != models.ChannelFriend {
		t.Fatalf("expected friend state, got %s", m.State(peer))
	}
	if err := m.Apply(ctx, Action{Kind: ActionAddFriend, Target: peer}); contracts.KindOf(err) != contracts.KindAlreadyRelated {
		t.Fatalf("expected already related, got %v", err)
	}
	if calls := l.Calls(memledger.MethodSubmitAddFriend); calls != 1 {
		t.Fatalf("duplicate add must fail locally, got %d submissions", calls)
	}
}

func TestUnfriendIsNotSupported(t *testing.T) {
	l, m := newFixture(t)
	m.Observe(Observation{Friends: []models.Identity{peer}})
	err := m.Apply(context.Background(), Action{Kind: ActionUnfriend, Target: peer})
	if contracts.KindOf(err) != contracts.KindOperationNotSupported {
		t.Fatalf("expected operation not supported, got %v", err)
	}
	if m.State(peer) != models.RelationshipFriend {
		t.Fatal("unfriend must not change state")
	}
	if l.Calls(memledger.MethodSubmitBlock) != 0 || l.Calls(memledger.MethodSubmitUnblock) != 0 {
		t.Fatal("unfriend must not be emulated with block and unblock")
	}
}

func TestRemoveDirectSenderRejectsFriendsWithoutGatewayCall(t *testing.T) {
	l, m := newFixture(t)
	m.Observe(Observation{Friends: []models.Identity{peer}, DirectOnly: []models.Identity{stranger}})

	err := m.Apply(context.Background(), Action{Kind: ActionRemoveDirectSender, Target: peer})
	if contracts.KindOf(err) != contracts.KindOperationNotSupported {
		t.Fatalf("expected operation not supported, got %v", err)
	}
	for _, method := range []string{memledger.MethodSubmitRemoveDirectSender, memledger.MethodAccountExists, memledger.MethodIsBlocked} {
		if calls := l.Calls(method); calls != 0 {
			t.Fatalf("expected no %s call, got %d", method, calls)
		}
	}
}

func TestRemoveDirectSenderSubmitsForDirectOnlyContacts(t *testing.T) {
	l, m := newFixture(t)
	ctx := context.Background()
	if err := l.Session(peer).SubmitSendMessage(ctx, me, models.ChannelDirect, "hi"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m.Observe(Observation{DirectOnly: []models.Identity{peer}})

	if err := m.Apply(ctx, Action{Kind: ActionRemoveDirectSender, Target: peer}); err != nil {
		t.Fatalf("remove sender: %v", err)
	}
	senders, _ := l.Session(me).ListDirectMessageSenders(ctx, me)
	if len(senders) != 0 {
		t.Fatalf("sender must be gone from the ledger source, got %+v", senders)
	}
	if err := m.Apply(ctx, Action{Kind: ActionRemoveDirectSender, Target: peer}); contracts.KindOf(err) != contracts.KindOperationNotSupported {
		t.Fatalf("removed sender is no longer direct-only, got %v", err)
	}
}

func TestBlockAndUnblockTransitions(t *testing.T) {
	l, m := newFixture(t)
	ctx := context.Background()
	m.Observe(Observation{Friends: []models.Identity{peer}})

	if err := m.Apply(ctx, Action{Kind: ActionBlock, Target: peer}); err != nil {
		t.Fatalf("block: %v", err)
	}
	if !m.IsBlocked(peer) {
		t.Fatal("blocked must supersede friend")
	}
	if err := m.Apply(ctx, Action{Kind: ActionBlock, Target: peer}); contracts.KindOf(err) != contracts.KindAlreadyRelated {
		t.Fatalf("expected already related, got %v", err)
	}
	if err := m.Apply(ctx, Action{Kind: ActionAddFriend, Target: peer}); contracts.KindOf(err) != contracts.KindOperationNotSupported {
		t.Fatalf("expected add on blocked to be unsupported, got %v", err)
	}
	if err := m.Apply(ctx, Action{Kind: ActionUnblock, Target: peer}); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if m.IsBlocked(peer) {
		t.Fatal("expected unblocked")
	}
	if err := m.Apply(ctx, Action{Kind: ActionUnblock, Target: stranger}); contracts.KindOf(err) != contracts.KindOperationNotSupported {
		t.Fatalf("expected unblock of non-blocked identity to be unsupported, got %v", err)
	}
	if l.Calls(memledger.MethodIsBlocked) != 1 || l.Calls(memledger.MethodSubmitUnblock) != 1 {
		t.Fatal("non-blocked unblock must probe and not submit")
	}
}

func TestUnblockUsesLedgerProbeWhenLocalStateIsCold(t *testing.T) {
	l, m := newFixture(t)
	ctx := context.Background()
	if err := l.Session(me).SubmitBlock(ctx, peer); err != nil {
		t.Fatalf("seed block: %v", err)
	}
	if err := m.Apply(ctx, Action{Kind: ActionUnblock, Target: peer}); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if blocked, _ := l.Session(me).IsBlocked(ctx, me, peer); blocked {
		t.Fatal("ledger must be unblocked")
	}
}

func TestRejectedSubmissionKeepsState(t *testing.T) {
	l, m := newFixture(t)
	l.FailNext(memledger.MethodSubmitBlock, errors.New("nonce too low"))
	err := m.Apply(context.Background(), Action{Kind: ActionBlock, Target: peer})
	if contracts.KindOf(err) != contracts.KindGatewayUnavailable {
		t.Fatalf("expected gateway failure, got %v", err)
	}
	if m.IsBlocked(peer) {
		t.Fatal("state must not change before confirmation")
	}
}

func TestSecondActionWhileFirstPendingFails(t *testing.T) {
	l, m := newFixture(t)
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	l.SetHook(memledger.MethodSubmitBlock, func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- m.Apply(ctx, Action{Kind: ActionBlock, Target: peer})
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("block submission never started")
	}
	if m.IsBlocked(peer) {
		t.Fatal("pending block must not be reflected locally")
	}
	if err := m.Apply(ctx, Action{Kind: ActionAddFriend, Target: peer}); !errors.Is(err, contracts.ErrActionInFlight) {
		t.Fatalf("expected action in flight, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("block: %v", err)
	}
	if !m.IsBlocked(peer) {
		t.Fatal("confirmed block must be reflected")
	}
}

func TestObservationOlderThanCommittedActionIsRejected(t *testing.T) {
	_, m := newFixture(t)
	ctx := context.Background()
	before := m.Generation()
	if !m.Observe(Observation{DirectOnly: []models.Identity{peer}, Generation: before}) {
		t.Fatal("current observation must be applied")
	}

	if err := m.Apply(ctx, Action{Kind: ActionAddFriend, Target: peer}); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	if m.Generation() == before {
		t.Fatal("committed action must advance the generation")
	}
	// sources read before the friendship was confirmed
	if m.Observe(Observation{DirectOnly: []models.Identity{peer}, Blocked: map[models.Identity]bool{peer: true}, Generation: before}) {
		t.Fatal("outdated observation must be rejected")
	}
	if m.State(peer) != models.RelationshipFriend || m.ChannelFor(peer) != models.ChannelFriend {
		t.Fatalf("confirmed friendship must survive, got %s", m.State(peer))
	}

	if !m.Observe(Observation{Friends: []models.Identity{peer}, Generation: m.Generation()}) {
		t.Fatal("observation taken after the action must be applied")
	}
}

func TestParseActionKind(t *testing.T) {
	got, err := ParseActionKind("Remove-Direct-Sender")
	if err != nil || got != ActionRemoveDirectSender {
		t.Fatalf("unexpected parse: %q %v", got, err)
	}
	if _, err := ParseActionKind("poke"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected unknown action, got %v", err)
	}
}
