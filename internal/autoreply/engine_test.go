package autoreply

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/network/networktest"
	"github.com/whatsapp-automation/engine/internal/session"
	"github.com/whatsapp-automation/engine/internal/store"
	"github.com/whatsapp-automation/engine/internal/store/storetest"
)

// Wednesday.
var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *Engine
	manager *session.Manager
	store   *store.Store
	net     *networktest.Network
	account models.AccountConfig
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st := storetest.New(t)
	net := networktest.New()
	mgr := session.NewManager(st, net, nil, session.Options{}, log)
	t.Cleanup(mgr.Shutdown)

	f := &fixture{manager: mgr, store: st, net: net, clock: noon}
	f.engine = NewEngine(st, mgr, log)
	f.engine.loc = time.UTC
	f.engine.now = func() time.Time { return f.clock }
	mgr.OnConnect(f.engine.Activate)

	f.account = storetest.Account(t, st, "t1", "blob")
	return f
}

func (f *fixture) rule(t *testing.T, r models.AutoReplyRule) models.AutoReplyRule {
	t.Helper()
	r.AccountID = f.account.ID
	r.Active = true
	require.NoError(t, f.store.CreateRule(context.Background(), &r))
	return r
}

func (f *fixture) connect(t *testing.T) *networktest.Conn {
	t.Helper()
	_, err := f.manager.Obtain(context.Background(), f.account.ID)
	require.NoError(t, err)
	return f.net.Last()
}

func inbound(id, from, text string) network.InboundMessage {
	return network.InboundMessage{ID: id, ChatID: from, SenderID: from, Text: text}
}

func TestKeywordMatchIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerKeyword, TriggerValue: "سعر", ReplyText: "price list"})
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerKeyword, TriggerValue: "Hours", ReplyText: "9 to 5"})
	conn := f.connect(t)

	conn.Deliver(inbound("in-1", "alice", "ما هو السعر؟ سعر"))
	conn.Deliver(inbound("in-2", "bob", "what are your HOURS"))
	conn.Deliver(inbound("in-3", "carol", "nothing relevant"))

	sent := conn.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, networktest.Sent{Peer: "alice", Text: "price list", ReplyTo: "in-1"}, sent[0])
	assert.Equal(t, networktest.Sent{Peer: "bob", Text: "9 to 5", ReplyTo: "in-2"}, sent[1])
}

func TestHighestPriorityWins(t *testing.T) {
	f := newFixture(t)
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerAll, ReplyText: "fallback", Priority: 1})
	top := f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerKeyword, TriggerValue: "order", ReplyText: "order desk", Priority: 10})
	f.connect(t)

	id, err := f.engine.Handle(context.Background(), f.account.ID, f.net.Last(), inbound("in-1", "alice", "my order"))
	require.NoError(t, err)
	assert.Equal(t, top.ID, id)

	id, err = f.engine.Handle(context.Background(), f.account.ID, f.net.Last(), inbound("in-2", "alice", "hello"))
	require.NoError(t, err)
	assert.NotEqual(t, top.ID, id)
	assert.NotZero(t, id)
}

func TestRegexTrigger(t *testing.T) {
	f := newFixture(t)
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerRegex, TriggerValue: `^track\s+\d+$`, ReplyText: "tracking"})
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerRegex, TriggerValue: `([`, ReplyText: "broken", Priority: 5})
	conn := f.connect(t)

	conn.Deliver(inbound("in-1", "alice", "TRACK 1234"))
	conn.Deliver(inbound("in-2", "alice", "track me"))

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "tracking", sent[0].Text)
}

func TestOutgoingMessagesAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerAll, ReplyText: "hi"})
	conn := f.connect(t)

	msg := inbound("in-1", "alice", "hello")
	msg.Outgoing = true
	conn.Deliver(msg)
	assert.Empty(t, conn.Sent())
}

func TestTimeWindow(t *testing.T) {
	f := newFixture(t)
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerAll, ReplyText: "open", WindowStart: "09:00", WindowEnd: "17:00"})
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerAll, ReplyText: "night", WindowStart: "22:00", WindowEnd: "02:00", Priority: 5})
	f.connect(t)
	ctx := context.Background()

	id, err := f.engine.Handle(ctx, f.account.ID, f.net.Last(), inbound("in-1", "alice", "x"))
	require.NoError(t, err)
	assert.NotZero(t, id)

	f.clock = time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)
	id, err = f.engine.Handle(ctx, f.account.ID, f.net.Last(), inbound("in-2", "alice", "x"))
	require.NoError(t, err)
	assert.Zero(t, id, "windows crossing midnight never match")

	sent := f.net.Last().Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "open", sent[0].Text)
}

func TestDaysOfWeek(t *testing.T) {
	f := newFixture(t)
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerAll, ReplyText: "weekend", DaysOfWeek: []int{0, 6}})
	conn := f.connect(t)

	conn.Deliver(inbound("in-1", "alice", "x"))
	assert.Empty(t, conn.Sent())

	f.clock = time.Date(2024, 5, 4, 12, 0, 0, 0, time.UTC)
	conn.Deliver(inbound("in-2", "alice", "x"))
	assert.Len(t, conn.Sent(), 1)
}

func TestUsageCapWithCooldown(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerAll, ReplyText: "once", MaxUsesPerUser: 1, CooldownMinutes: 60})
	conn := f.connect(t)

	conn.Deliver(inbound("in-1", "alice", "x"))
	f.clock = noon.Add(30 * time.Minute)
	conn.Deliver(inbound("in-2", "alice", "x"))
	conn.Deliver(inbound("in-3", "bob", "x"))
	assert.Len(t, conn.Sent(), 2)

	f.clock = noon.Add(61 * time.Minute)
	conn.Deliver(inbound("in-4", "alice", "x"))
	assert.Len(t, conn.Sent(), 3)

	got, err := f.store.GetRule(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UseCount)
}

func TestReloadPicksUpNewRules(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	conn.Deliver(inbound("in-1", "alice", "hello"))
	assert.Empty(t, conn.Sent())

	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerAll, ReplyText: "hi"})
	require.NoError(t, f.engine.Reload(context.Background(), f.account.ID))

	conn.Deliver(inbound("in-2", "alice", "hello"))
	assert.Len(t, conn.Sent(), 1)
}

func TestReactivationDoesNotDoubleReply(t *testing.T) {
	f := newFixture(t)
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerAll, ReplyText: "hi"})
	conn := f.connect(t)

	lc, err := f.manager.Obtain(context.Background(), f.account.ID)
	require.NoError(t, err)
	f.engine.Activate(context.Background(), lc)

	conn.Deliver(inbound("in-1", "alice", "hello"))
	assert.Len(t, conn.Sent(), 1)
}

func TestUnauthorizedReplyInvalidatesSession(t *testing.T) {
	f := newFixture(t)
	f.rule(t, models.AutoReplyRule{TriggerType: models.TriggerAll, ReplyText: "hi"})
	conn := f.connect(t)
	conn.SendErr = func(string) error { return network.ErrUnauthorized }

	_, err := f.engine.Handle(context.Background(), f.account.ID, conn, inbound("in-1", "alice", "x"))
	assert.True(t, session.RequiresReauth(err))
	assert.False(t, f.manager.Connected(f.account.ID))
}
