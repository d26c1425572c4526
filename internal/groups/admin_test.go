package groups

import (
	"context"
	"errors"
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

type fixture struct {
	admin   *Administrator
	store   *store.Store
	net     *networktest.Network
	account models.AccountConfig
	waits   []time.Duration
}

func newFixture(t *testing.T, opts Options, setup func(*networktest.Conn)) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st := storetest.New(t)
	net := networktest.New()
	net.Setup = setup
	mgr := session.NewManager(st, net, nil, session.Options{}, log)
	t.Cleanup(mgr.Shutdown)

	f := &fixture{store: st, net: net}
	f.admin = NewAdministrator(mgr, st, opts, log)
	f.admin.wait = func(ctx context.Context, d time.Duration) error {
		f.waits = append(f.waits, d)
		return nil
	}
	f.account = storetest.Account(t, st, "t1", "blob")
	return f
}

func users(c *networktest.Conn, ids ...string) {
	for _, id := range ids {
		c.Users[id] = network.Peer{ID: id + "@s", Name: id, Kind: network.PeerUser}
	}
}

func TestCreateGroupSkipsUnresolvedMembers(t *testing.T) {
	f := newFixture(t, Options{}, func(c *networktest.Conn) { users(c, "alice", "bob") })
	ctx := context.Background()

	created, err := f.admin.CreateGroup(ctx, "t1", f.account.ID, "Team", "daily sync", []string{"alice", "ghost", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, created.Skipped)
	assert.True(t, created.Group.Managed)
	assert.Equal(t, models.GroupKindGroup, created.Group.Kind)
	assert.NotZero(t, created.Group.ID)

	conn := f.net.Last()
	require.Len(t, conn.Created(), 1)
	members, err := conn.Participants(ctx, created.Group.ExternalID, 0)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	records, err := f.store.ListGroupRecords(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Team", records[0].Title)
}

func TestCreateChannel(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	created, err := f.admin.CreateChannel(context.Background(), "t1", f.account.ID, "News", "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.GroupKindChannel, created.Group.Kind)
	assert.Equal(t, network.PeerChannel, f.net.Last().Created()[0].Kind)
}

func TestCreateGroupRejectsOtherTenant(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	_, err := f.admin.CreateGroup(context.Background(), "t2", f.account.ID, "Team", "", nil)
	assert.ErrorIs(t, err, session.ErrTenantMismatch)
}

func TestAddMembersIsPacedAndReportsEachMember(t *testing.T) {
	f := newFixture(t, Options{InvitePace: 3 * time.Second}, func(c *networktest.Conn) {
		users(c, "alice", "bob", "carol")
		c.InviteErr = func(p network.Peer) error {
			if p.Name == "bob" {
				return errors.New("privacy settings")
			}
			return nil
		}
	})

	results, err := f.admin.AddMembers(context.Background(), "t1", f.account.ID, "g1", []string{"alice", "bob", "ghost", "carol"})
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, "privacy settings", results[1].Error)
	assert.False(t, results[2].OK)
	assert.True(t, results[3].OK)

	assert.Equal(t, []string{"alice@s", "carol@s"}, f.net.Last().Invited())
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, f.waits)
}

func TestAddMembersStopsOnRevokedSession(t *testing.T) {
	f := newFixture(t, Options{}, func(c *networktest.Conn) {
		users(c, "alice", "bob", "carol")
		c.InviteErr = func(p network.Peer) error {
			if p.Name == "bob" {
				return network.ErrUnauthorized
			}
			return nil
		}
	})

	results, err := f.admin.AddMembers(context.Background(), "t1", f.account.ID, "g1", []string{"alice", "bob", "carol"})
	assert.True(t, session.RequiresReauth(err))
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[2].OK)
	assert.Equal(t, "not attempted", results[2].Error)
}

func TestHarvestMembersUpsertsContacts(t *testing.T) {
	f := newFixture(t, Options{HarvestLimit: 3}, func(c *networktest.Conn) {
		c.Members["g1"] = []network.Participant{
			{ID: "u1", Name: "Alice", Phone: "111", IsAdmin: true},
			{ID: "u2", Phone: "222"},
			{ID: "u3", Name: "Carol", Phone: "333"},
			{ID: "u4", Name: "Dan", Phone: "444"},
		}
	})
	ctx := context.Background()

	members, err := f.admin.HarvestMembers(ctx, "t1", f.account.ID, "g1", true)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, Member{ID: "u2", Name: "222", Phone: "222"}, members[1])

	contacts, err := f.store.ListContacts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, contacts, 3)
	assert.Equal(t, "g1", contacts[0].SourceGroupID)
	assert.True(t, contacts[0].IsAdmin)

	_, err = f.admin.HarvestMembers(ctx, "t1", f.account.ID, "g1", true)
	require.NoError(t, err)
	contacts, err = f.store.ListContacts(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, contacts, 3)
}

func TestHarvestWithoutPersist(t *testing.T) {
	f := newFixture(t, Options{}, func(c *networktest.Conn) {
		c.Members["g1"] = []network.Participant{{ID: "u1", Name: "Alice"}}
	})
	ctx := context.Background()

	members, err := f.admin.HarvestMembers(ctx, "t1", f.account.ID, "g1", false)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	contacts, err := f.store.ListContacts(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, contacts)
}
