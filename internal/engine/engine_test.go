package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/domains/directory"
	"echo-chat/go-engine/internal/domains/recents"
	"echo-chat/go-engine/internal/domains/relationship"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/internal/ledger/memledger"
	"echo-chat/go-engine/pkg/models"
)

const (
	alice models.Identity = "0x1111111111111111111111111111111111111111"
	bob   models.Identity = "0x2222222222222222222222222222222222222222"
	carol models.Identity = "0x3333333333333333333333333333333333333333"
	dave  models.Identity = "0x4444444444444444444444444444444444444444"
	erin  models.Identity = "0x5555555555555555555555555555555555555555"
)

// newFixture registers alice, bob and dave, befriends alice and bob and lets
// dave send alice a direct message. carol and erin have no account.
func newFixture(t *testing.T) *memledger.Ledger {
	t.Helper()
	ctx := context.Background()
	l := memledger.New()
	for id, name := range map[models.Identity]string{alice: "alice", bob: "bob", dave: "dave"} {
		if err := l.Register(id, name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := l.Session(alice).SubmitAddFriend(ctx, bob, ""); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	if err := l.Session(dave).SubmitSendMessage(ctx, alice, models.ChannelDirect, "hi alice"); err != nil {
		t.Fatalf("dm: %v", err)
	}
	return l
}

func newEngine(t *testing.T, l *memledger.Ledger, local models.Identity, opts Options) *Engine {
	t.Helper()
	e, err := New(l.Session(local), local.String(), opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func send(t *testing.T, e *Engine, target, body string) models.Message {
	t.Helper()
	handle, err := e.SendMessage(context.Background(), target, body)
	if err != nil {
		t.Fatalf("send %q: %v", body, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait %q: %v", body, err)
	}
	return msg
}

// sendChannel sends body, waits for the confirmation and returns the channel
// the message was routed to.
func sendChannel(t *testing.T, e *Engine, target, body string) models.ChannelKind {
	t.Helper()
	handle, err := e.SendMessage(context.Background(), target, body)
	if err != nil {
		t.Fatalf("send %q: %v", body, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("wait %q: %v", body, err)
	}
	return handle.Key().Channel
}

func byIdentity(contacts []models.ContactRecord) map[models.Identity]models.ContactRecord {
	out := make(map[models.Identity]models.ContactRecord, len(contacts))
	for _, c := range contacts {
		out[c.Identity] = c
	}
	return out
}

func TestBuildDirectoryMergesAllSources(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	send(t, e, carol.String(), "are you there?")

	contacts, err := e.BuildDirectory(context.Background())
	if err != nil {
		t.Fatalf("build directory: %v", err)
	}
	if len(contacts) != 3 {
		t.Fatalf("expected bob, dave and carol, got %+v", contacts)
	}
	got := byIdentity(contacts)
	if c := got[bob]; !c.IsFriend || c.DisplayName != "bob" || c.Source != models.ContactSourceFriend {
		t.Fatalf("unexpected friend entry: %+v", c)
	}
	if c := got[dave]; c.IsFriend || !c.IsDirectOnly || c.DisplayName != "dave" || c.LastMessageText != "hi alice" {
		t.Fatalf("unexpected direct sender entry: %+v", c)
	}
	if c := got[carol]; c.IsFriend || c.IsDirectOnly || c.Source != models.ContactSourceLocalCache || c.DisplayName != identity.Abbreviate(carol) {
		t.Fatalf("unexpected recent recipient entry: %+v", c)
	}
	if contacts[0].Identity != dave {
		t.Fatalf("contact with the newest message must sort first, got %s", contacts[0].Identity)
	}

	again, err := e.BuildDirectory(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	for i := range contacts {
		if contacts[i] != again[i] {
			t.Fatalf("rebuild with unchanged sources must be identical at %d: %+v vs %+v", i, contacts[i], again[i])
		}
	}
	// the first build ran when the send routed its channel
	if snap := e.Metrics(); snap.DirectoryBuilds != 3 {
		t.Fatalf("expected three recorded builds, got %d", snap.DirectoryBuilds)
	}
}

func TestBuildDirectoryReturnsPartialResultOnSourceFailure(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	l.FailNext(memledger.MethodListFriends, errors.New("connection reset"))

	contacts, err := e.BuildDirectory(context.Background())
	if contracts.KindOf(err) != contracts.KindGatewayUnavailable {
		t.Fatalf("expected gateway failure, got %v", err)
	}
	if len(contacts) != 1 || contacts[0].Identity != dave {
		t.Fatalf("direct senders must still be listed, got %+v", contacts)
	}
}

// heldFriendList returns the friend list it read and then, once armed, waits
// for release before handing it back.
type heldFriendList struct {
	contracts.LedgerGateway

	mu      sync.Mutex
	armed   bool
	read    chan struct{}
	release chan struct{}
}

func holdFriendList(l contracts.LedgerGateway) *heldFriendList {
	return &heldFriendList{LedgerGateway: l, read: make(chan struct{}), release: make(chan struct{})}
}

func (h *heldFriendList) arm() {
	h.mu.Lock()
	h.armed = true
	h.mu.Unlock()
}

func (h *heldFriendList) ListFriends(ctx context.Context, local models.Identity) ([]models.ContactRecord, error) {
	friends, err := h.LedgerGateway.ListFriends(ctx, local)
	h.mu.Lock()
	hold := h.armed
	h.armed = false
	h.mu.Unlock()
	if hold {
		close(h.read)
		<-h.release
	}
	return friends, err
}

func startBuild(e *Engine) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := e.BuildDirectory(context.Background())
		done <- err
	}()
	return done
}

func TestBuildReadBeforeCommittedActionDoesNotRevertIt(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		commit func(t *testing.T, e *Engine)
	}{
		{
			// the action's own rebuild supersedes the held build
			name: "through engine",
			commit: func(t *testing.T, e *Engine) {
				if err := e.ApplyRelationshipAction(ctx, relationship.ActionAddFriend, dave.String(), ""); err != nil {
					t.Fatalf("add friend: %v", err)
				}
			},
		},
		{
			// no newer build exists, so only the committed transition marks
			// the held one stale
			name: "machine only",
			commit: func(t *testing.T, e *Engine) {
				if err := e.relations.Apply(ctx, relationship.Action{Kind: relationship.ActionAddFriend, Target: dave}); err != nil {
					t.Fatalf("add friend: %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newFixture(t)
			held := holdFriendList(l.Session(alice))
			e, err := New(held, alice.String(), Options{})
			if err != nil {
				t.Fatalf("new engine: %v", err)
			}
			if _, err := e.BuildDirectory(ctx); err != nil {
				t.Fatalf("initial build: %v", err)
			}

			held.arm()
			done := startBuild(e)
			<-held.read
			tc.commit(t, e)
			close(held.release)
			if err := <-done; contracts.KindOf(err) != contracts.KindSuperseded {
				t.Fatalf("build read before the action must be superseded, got %v", err)
			}

			if got := e.RelationshipState(dave); got != models.RelationshipFriend {
				t.Fatalf("committed friendship must survive the older build, got %s", got)
			}
			if got := e.relations.ChannelFor(dave); got != models.ChannelFriend {
				t.Fatalf("unexpected channel: %s", got)
			}
			if got := sendChannel(t, e, dave.String(), "as friends"); got != models.ChannelFriend {
				t.Fatalf("send after the friendship must use the friend channel, got %s", got)
			}
		})
	}
}

func TestPartialBuildIsRetriedBeforeRelationshipAction(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	ctx := context.Background()
	l.FailNext(memledger.MethodListFriends, errors.New("connection reset"))

	err := e.ApplyRelationshipAction(ctx, relationship.ActionRemoveDirectSender, dave.String(), "")
	if contracts.KindOf(err) != contracts.KindGatewayUnavailable {
		t.Fatalf("expected gateway failure, got %v", err)
	}
	if l.Calls(memledger.MethodSubmitRemoveDirectSender) != 0 {
		t.Fatal("action must not be submitted without a complete directory")
	}

	if err := e.ApplyRelationshipAction(ctx, relationship.ActionRemoveDirectSender, dave.String(), ""); err != nil {
		t.Fatalf("retry after the ledger recovered: %v", err)
	}
	if _, ok := byIdentity(e.FilterDirectory(directory.PredicateAll, ""))[dave]; ok {
		t.Fatal("removed sender must disappear on rebuild")
	}
}

func TestPartialBuildDoesNotPinDirectRouting(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	l.FailNext(memledger.MethodListFriends, errors.New("connection reset"))
	if _, err := e.BuildDirectory(context.Background()); contracts.KindOf(err) != contracts.KindGatewayUnavailable {
		t.Fatalf("expected gateway failure, got %v", err)
	}

	if got := sendChannel(t, e, bob.String(), "still friends"); got != models.ChannelFriend {
		t.Fatalf("friend must be messaged on the friend channel once the ledger recovers, got %s", got)
	}
}

func TestFilterDirectory(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	if _, err := e.BuildDirectory(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := e.FilterDirectory(directory.PredicateFriendsOnly, ""); len(got) != 1 || got[0].Identity != bob {
		t.Fatalf("friends filter: %+v", got)
	}
	if got := e.FilterDirectory(directory.PredicateAll, "DAV"); len(got) != 1 || got[0].Identity != dave {
		t.Fatalf("query must match names case-insensitively: %+v", got)
	}
	if got := e.FilterDirectory(directory.PredicateAll, "0x2222"); len(got) != 1 || got[0].Identity != bob {
		t.Fatalf("query must match identities: %+v", got)
	}
}

func TestSendRoutesByRelationshipAtSendTime(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	ctx := context.Background()

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	l.SetHook(memledger.MethodSubmitSendMessage, func(ctx context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	handle, err := e.SendMessage(ctx, dave.String(), "before friendship")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if handle.Key().Channel != models.ChannelDirect {
		t.Fatalf("non-friend must be messaged on the direct channel, got %s", handle.Key().Channel)
	}
	<-entered
	if err := e.ApplyRelationshipAction(ctx, relationship.ActionAddFriend, dave.String(), ""); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	close(release)
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	after := send(t, e, dave.String(), "after friendship")
	if after.DeliveryState != models.DeliveryConfirmed {
		t.Fatalf("unexpected delivery state: %+v", after)
	}

	direct, err := l.Session(dave).ReadThread(ctx, dave, alice, models.ChannelDirect)
	if err != nil {
		t.Fatalf("read direct: %v", err)
	}
	if len(direct) != 2 || direct[1].Body != "before friendship" {
		t.Fatalf("send issued before the friendship must stay on the direct channel: %+v", direct)
	}
	friend, err := l.Session(dave).ReadThread(ctx, dave, alice, models.ChannelFriend)
	if err != nil {
		t.Fatalf("read friend: %v", err)
	}
	if len(friend) != 1 || friend[0].Body != "after friendship" {
		t.Fatalf("send to a friend must use the friend channel: %+v", friend)
	}
}

func TestLoadThreadPicksChannelFromRelationship(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	ctx := context.Background()
	if err := l.Session(bob).SubmitSendMessage(ctx, alice, models.ChannelFriend, "hey"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	channel, msgs, err := e.LoadThread(ctx, dave.String(), "")
	if err != nil || channel != models.ChannelDirect || len(msgs) != 1 || msgs[0].Body != "hi alice" {
		t.Fatalf("direct thread: channel=%s msgs=%+v err=%v", channel, msgs, err)
	}
	channel, msgs, err = e.RefreshThread(ctx, "@bob", "")
	if err != nil || channel != models.ChannelFriend || len(msgs) != 1 || msgs[0].Sender != bob {
		t.Fatalf("friend thread: channel=%s msgs=%+v err=%v", channel, msgs, err)
	}
	channel, msgs, err = e.LoadThread(ctx, bob.String(), models.ChannelDirect)
	if err != nil || channel != models.ChannelDirect || len(msgs) != 0 {
		t.Fatalf("explicit channel must be honored: channel=%s msgs=%+v err=%v", channel, msgs, err)
	}
}

func TestSendValidatesTarget(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	ctx := context.Background()

	cases := []struct {
		target, body string
		want         contracts.FailureKind
	}{
		{bob.String(), "   ", contracts.KindInvalidMessage},
		{"not-an-address", "hi", contracts.KindInvalidIdentity},
		{"@nobody", "hi", contracts.KindNameNotFound},
		{alice.String(), "hi", contracts.KindOperationNotSupported},
	}
	for _, tc := range cases {
		if _, err := e.SendMessage(ctx, tc.target, tc.body); contracts.KindOf(err) != tc.want {
			t.Fatalf("send to %q: expected %s, got %v", tc.target, tc.want, err)
		}
	}
	if l.Calls(memledger.MethodSubmitSendMessage) != 0 {
		t.Fatal("invalid sends must not reach the ledger")
	}

	msg := send(t, e, "@Bob", "by name")
	if msg.Sender != alice || !msg.Delivered {
		t.Fatalf("unexpected confirmed message: %+v", msg)
	}
}

func TestRelationshipActionsThroughEngine(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	ctx := context.Background()

	err := e.ApplyRelationshipAction(ctx, relationship.ActionAddFriend, carol.String(), "")
	if contracts.KindOf(err) != contracts.KindCounterpartyUnregistered {
		t.Fatalf("expected counterparty unregistered, got %v", err)
	}
	if l.Calls(memledger.MethodSubmitAddFriend) != 1 {
		t.Fatal("failed add friend must not be submitted")
	}

	err = e.ApplyRelationshipAction(ctx, relationship.ActionRemoveDirectSender, bob.String(), "")
	if contracts.KindOf(err) != contracts.KindOperationNotSupported {
		t.Fatalf("expected operation not supported, got %v", err)
	}
	if l.Calls(memledger.MethodSubmitRemoveDirectSender) != 0 {
		t.Fatal("removing a friend must not reach the ledger")
	}
	if err := e.ApplyRelationshipAction(ctx, relationship.ActionUnfriend, bob.String(), ""); contracts.KindOf(err) != contracts.KindOperationNotSupported {
		t.Fatalf("unfriend must be rejected locally, got %v", err)
	}

	if err := e.ApplyRelationshipAction(ctx, relationship.ActionBlock, dave.String(), ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	if e.RelationshipState(dave) != models.RelationshipBlocked {
		t.Fatalf("unexpected state: %s", e.RelationshipState(dave))
	}
	if got := byIdentity(e.FilterDirectory(directory.PredicateAll, "")); len(got) != 1 {
		t.Fatalf("blocked contact must be hidden from the default view: %+v", got)
	}
	if got := e.FilterDirectory(directory.PredicateBlocked, ""); len(got) != 1 || got[0].Identity != dave {
		t.Fatalf("blocked view: %+v", got)
	}
	if err := e.ApplyRelationshipAction(ctx, relationship.ActionUnblock, dave.String(), ""); err != nil {
		t.Fatalf("unblock: %v", err)
	}

	if err := e.ApplyRelationshipAction(ctx, relationship.ActionRemoveDirectSender, dave.String(), ""); err != nil {
		t.Fatalf("remove direct sender: %v", err)
	}
	if _, ok := byIdentity(e.FilterDirectory(directory.PredicateAll, ""))[dave]; ok {
		t.Fatal("removed sender must disappear on rebuild")
	}
}

func TestBlockStateIsProbedOnBuild(t *testing.T) {
	l := newFixture(t)
	if err := l.Session(alice).SubmitBlock(context.Background(), dave); err != nil {
		t.Fatalf("block: %v", err)
	}
	e := newEngine(t, l, alice, Options{})
	contacts, err := e.BuildDirectory(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := byIdentity(contacts)[dave]; ok {
		t.Fatal("identity blocked on the ledger must be hidden")
	}
	if e.RelationshipState(dave) != models.RelationshipBlocked {
		t.Fatalf("unexpected state: %s", e.RelationshipState(dave))
	}
}

func TestRegisterAccountAndProfile(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, erin, Options{})
	ctx := context.Background()

	profile, err := e.Profile(ctx)
	if err != nil || profile.Registered {
		t.Fatalf("unregistered profile: %+v %v", profile, err)
	}
	if err := e.RegisterAccount(ctx, "ab"); contracts.KindOf(err) != contracts.KindInvalidUsername {
		t.Fatalf("expected invalid username, got %v", err)
	}
	if err := e.RegisterAccount(ctx, "bad name!"); contracts.KindOf(err) != contracts.KindInvalidUsername {
		t.Fatalf("expected invalid username, got %v", err)
	}
	if err := e.RegisterAccount(ctx, "Bob"); contracts.KindOf(err) != contracts.KindUsernameTaken {
		t.Fatalf("expected username taken, got %v", err)
	}
	if err := e.RegisterAccount(ctx, " erin "); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.RegisterAccount(ctx, "erin2"); contracts.KindOf(err) != contracts.KindAlreadyRegistered {
		t.Fatalf("expected already registered, got %v", err)
	}
	profile, err = e.Profile(ctx)
	if err != nil || !profile.Registered || profile.Username != "erin" || profile.AccountCreatedAt == 0 {
		t.Fatalf("registered profile: %+v %v", profile, err)
	}
}

func TestStats(t *testing.T) {
	l := newFixture(t)
	e := newEngine(t, l, alice, Options{})
	stats, err := e.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Users != 3 || stats.Messages != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	l.FailNext(memledger.MethodUserCount, errors.New("rpc down"))
	if _, err := e.Stats(context.Background()); contracts.KindOf(err) != contracts.KindGatewayUnavailable {
		t.Fatalf("expected gateway failure, got %v", err)
	}
}

func TestRecentRecipientsSurviveRestart(t *testing.T) {
	l := newFixture(t)
	path := filepath.Join(t.TempDir(), "recents.json")
	store := func() *recents.FileStateStore {
		s := recents.NewFileStateStore()
		s.Configure(path, "test-secret")
		return s
	}

	first := newEngine(t, l, alice, Options{CacheStore: store()})
	send(t, first, carol.String(), "hello stranger")

	second := newEngine(t, l, alice, Options{CacheStore: store()})
	contacts, err := second.BuildDirectory(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if c, ok := byIdentity(contacts)[carol]; !ok || c.Source != models.ContactSourceLocalCache {
		t.Fatalf("recent recipient must be restored from disk: %+v", contacts)
	}
}

func TestNewRejectsMalformedLocalIdentity(t *testing.T) {
	_, err := New(memledger.New().Session("nope"), "nope", Options{})
	if contracts.KindOf(err) != contracts.KindInvalidIdentity {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}
