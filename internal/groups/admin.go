// Package groups creates groups and channels, invites members and harvests
// participant lists into the contact book.
package groups

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/session"
)

const (
	// DefaultHarvestLimit bounds how many participants one harvest reads.
	DefaultHarvestLimit = 10000
	// DefaultInvitePace is the pause between two invitations.
	DefaultInvitePace = 2 * time.Second

	harvestSource = "group_harvest"
)

// Store is the persistence the administrator needs.
type Store interface {
	CreateGroupRecord(ctx context.Context, g *models.GroupRecord) error
	UpsertContacts(ctx context.Context, contacts []models.ContactRecord) error
}

// Options tune the administrator.
type Options struct {
	InvitePace   time.Duration
	HarvestLimit int
}

// Administrator runs group operations for tenant accounts.
type Administrator struct {
	manager *session.Manager
	store   Store
	opts    Options
	log     logrus.FieldLogger
	wait    func(ctx context.Context, d time.Duration) error
}

func NewAdministrator(manager *session.Manager, st Store, opts Options, log logrus.FieldLogger) *Administrator {
	if opts.HarvestLimit <= 0 {
		opts.HarvestLimit = DefaultHarvestLimit
	}
	if opts.InvitePace < 0 {
		opts.InvitePace = DefaultInvitePace
	}
	return &Administrator{
		manager: manager,
		store:   st,
		opts:    opts,
		log:     log.WithField("component", "groups"),
		wait:    pause,
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Created is the outcome of CreateGroup and CreateChannel.
type Created struct {
	Group models.GroupRecord `json:"group"`
	// Skipped lists members that could not be resolved.
	Skipped []string `json:"skipped,omitempty"`
}

// MemberResult is the outcome of one invitation.
type MemberResult struct {
	Member string `json:"member"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Member is a normalized participant.
type Member struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	IsAdmin bool   `json:"isAdmin"`
}

func (a *Administrator) connect(ctx context.Context, tenantID string, accountID uint) (network.Conn, error) {
	if _, err := a.manager.Account(ctx, tenantID, accountID); err != nil {
		return nil, err
	}
	lc, err := a.manager.Obtain(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return lc.Conn(), nil
}

// CreateGroup creates a group with the members that resolve.
func (a *Administrator) CreateGroup(ctx context.Context, tenantID string, accountID uint, title, about string, members []string) (Created, error) {
	return a.create(ctx, tenantID, accountID, title, about, members, false)
}

// CreateChannel creates a broadcast channel.
func (a *Administrator) CreateChannel(ctx context.Context, tenantID string, accountID uint, title, about string, members []string) (Created, error) {
	return a.create(ctx, tenantID, accountID, title, about, members, true)
}

func (a *Administrator) create(ctx context.Context, tenantID string, accountID uint, title, about string, members []string, channel bool) (Created, error) {
	conn, err := a.connect(ctx, tenantID, accountID)
	if err != nil {
		return Created{}, err
	}

	var out Created
	peers := make([]network.Peer, 0, len(members))
	for _, ref := range members {
		p, err := conn.ResolveUser(ctx, ref)
		if err != nil {
			if err = a.manager.Classify(ctx, accountID, conn, err); session.RequiresReauth(err) {
				return Created{}, err
			}
			out.Skipped = append(out.Skipped, ref)
			continue
		}
		peers = append(peers, p)
	}

	peer, err := conn.CreateGroup(ctx, title, about, peers, channel)
	if err != nil {
		return Created{}, a.manager.Classify(ctx, accountID, conn, err)
	}

	kind := models.GroupKindGroup
	if channel {
		kind = models.GroupKindChannel
	}
	out.Group = models.GroupRecord{
		TenantID:   tenantID,
		AccountID:  accountID,
		ExternalID: peer.ID,
		Title:      title,
		About:      about,
		Kind:       kind,
		Managed:    true,
	}
	if err := a.store.CreateGroupRecord(ctx, &out.Group); err != nil {
		return out, err
	}
	a.log.WithFields(logrus.Fields{"account": accountID, "group": peer.ID}).
		Infof("Created %s with %d members (%d skipped)", kind, len(peers), len(out.Skipped))
	return out, nil
}

// AddMembers invites members one at a time, pausing between invitations.
// A revoked session stops the run; the remaining members are reported as failed.
func (a *Administrator) AddMembers(ctx context.Context, tenantID string, accountID uint, groupID string, members []string) ([]MemberResult, error) {
	conn, err := a.connect(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}

	results := make([]MemberResult, 0, len(members))
	for i, ref := range members {
		if i > 0 {
			if err := a.wait(ctx, a.opts.InvitePace); err != nil {
				return results, err
			}
		}

		p, err := conn.ResolveUser(ctx, ref)
		if err == nil {
			err = conn.Invite(ctx, groupID, p)
		}
		if err != nil {
			err = a.manager.Classify(ctx, accountID, conn, err)
			results = append(results, MemberResult{Member: ref, Error: err.Error()})
			if session.RequiresReauth(err) {
				for _, rest := range members[i+1:] {
					results = append(results, MemberResult{Member: rest, Error: "not attempted"})
				}
				return results, err
			}
			continue
		}
		results = append(results, MemberResult{Member: ref, OK: true})
	}
	return results, nil
}

// HarvestMembers reads the participants of groupID, up to the harvest limit,
// and upserts them as contacts when persist is set.
func (a *Administrator) HarvestMembers(ctx context.Context, tenantID string, accountID uint, groupID string, persist bool) ([]Member, error) {
	conn, err := a.connect(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	raw, err := conn.Participants(ctx, groupID, a.opts.HarvestLimit)
	if err != nil {
		return nil, a.manager.Classify(ctx, accountID, conn, err)
	}

	seen := make(map[string]bool, len(raw))
	members := make([]Member, 0, len(raw))
	for _, p := range raw {
		if p.ID == "" || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		name := p.Name
		if name == "" {
			name = p.Phone
		}
		members = append(members, Member{ID: p.ID, Name: name, Phone: p.Phone, IsAdmin: p.IsAdmin})
		if len(members) == a.opts.HarvestLimit {
			break
		}
	}

	if persist {
		contacts := make([]models.ContactRecord, 0, len(members))
		for _, m := range members {
			contacts = append(contacts, models.ContactRecord{
				TenantID:      tenantID,
				ExternalID:    m.ID,
				Name:          m.Name,
				Phone:         m.Phone,
				IsAdmin:       m.IsAdmin,
				Source:        harvestSource,
				SourceGroupID: groupID,
			})
		}
		if err := a.store.UpsertContacts(ctx, contacts); err != nil {
			return members, fmt.Errorf("failed to save harvested contacts: %w", err)
		}
	}
	a.log.WithFields(logrus.Fields{"account": accountID, "group": groupID}).
		Infof("Harvested %d members", len(members))
	return members, nil
}
