// Package extensions merges the upstream roster with live presence and call
// state into the view the dashboard polls.
package extensions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/kabili207/phone-presence-server/pkg/models"
	"github.com/kabili207/phone-presence-server/pkg/zoom"
	"golang.org/x/sync/errgroup"
)

const DefaultDetailTTL = 30 * time.Second

var ErrUnknownType = errors.New("unknown extension type")

// Roster is the upstream source of users and common areas.
type Roster interface {
	ListPhoneUsers(ctx context.Context) ([]zoom.RosterEntry, error)
	ListCommonAreas(ctx context.Context) ([]zoom.RosterEntry, error)
	GetUser(ctx context.Context, id string) (zoom.RosterEntry, error)
	GetPhoneUser(ctx context.Context, id string) (zoom.RosterEntry, error)
	GetCommonArea(ctx context.Context, id string) (zoom.RosterEntry, error)
}

// PresenceReader is the read side of the presence store.
type PresenceReader interface {
	GetPresence(id string) models.PresenceStatus
	GetStatusMessage(id string) *string
	PresenceEntry(id string) (models.PresenceRecord, bool)
	MessageEntry(id string) (models.StatusMessageRecord, bool)
}

// CallReader is the read side of the call store.
type CallReader interface {
	GetFormattedCallStatus(id string) *models.FormattedCallStatus
}

type Options struct {
	DetailTTL time.Duration
	Logger    *slog.Logger
}

type Aggregator struct {
	roster   Roster
	presence PresenceReader
	calls    CallReader
	log      *slog.Logger

	details *ttlcache.Cache[string, zoom.RosterEntry]
}

func NewAggregator(roster Roster, presence PresenceReader, calls CallReader, opts Options) *Aggregator {
	if opts.DetailTTL <= 0 {
		opts.DetailTTL = DefaultDetailTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		roster:   roster,
		presence: presence,
		calls:    calls,
		log:      opts.Logger.With("component", "extensions"),
		details: ttlcache.New[string, zoom.RosterEntry](
			ttlcache.WithTTL[string, zoom.RosterEntry](opts.DetailTTL),
		),
	}
}

// Run evicts expired detail documents until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	go a.details.Start()
	<-ctx.Done()
	a.details.Stop()
}

// List fetches users and common areas and overlays the current state on each.
// Either fetch failing fails the whole call.
func (a *Aggregator) List(ctx context.Context) ([]models.Extension, error) {
	var users, areas []zoom.RosterEntry

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = a.roster.ListPhoneUsers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		areas, err = a.roster.ListCommonAreas(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.Extension, 0, len(users)+len(areas))
	for _, u := range users {
		out = append(out, a.userExtension(u.ID(), u))
	}
	for _, ca := range areas {
		out = append(out, a.commonAreaExtension(ca.ID(), ca))
	}
	a.log.Debug("roster merged", "users", len(users), "common_areas", len(areas))
	return out, nil
}

// Details returns one extension with its upstream profile and current state.
func (a *Aggregator) Details(ctx context.Context, id string, kind models.ExtensionType) (models.Extension, error) {
	switch kind {
	case models.ExtensionUser:
		user, err := a.cached(ctx, "user:"+id, func(ctx context.Context) (zoom.RosterEntry, error) {
			return a.roster.GetUser(ctx, id)
		})
		if err != nil {
			return models.Extension{}, err
		}
		phone, err := a.cached(ctx, "phone:"+id, func(ctx context.Context) (zoom.RosterEntry, error) {
			return a.roster.GetPhoneUser(ctx, id)
		})
		if err != nil {
			return models.Extension{}, err
		}
		merged := make(zoom.RosterEntry, len(user)+len(phone))
		maps.Copy(merged, user)
		maps.Copy(merged, phone)
		return a.userExtension(id, merged), nil

	case models.ExtensionCommonArea:
		area, err := a.cached(ctx, "common_area:"+id, func(ctx context.Context) (zoom.RosterEntry, error) {
			return a.roster.GetCommonArea(ctx, id)
		})
		if err != nil {
			return models.Extension{}, err
		}
		return a.commonAreaExtension(id, area), nil
	}
	return models.Extension{}, fmt.Errorf("%w: %q", ErrUnknownType, kind)
}

func (a *Aggregator) cached(ctx context.Context, key string, fetch func(context.Context) (zoom.RosterEntry, error)) (zoom.RosterEntry, error) {
	if item := a.details.Get(key, ttlcache.WithDisableTouchOnHit[string, zoom.RosterEntry]()); item != nil {
		return item.Value(), nil
	}
	entry, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	a.details.Set(key, entry, ttlcache.DefaultTTL)
	return entry, nil
}

func (a *Aggregator) userExtension(id string, fields zoom.RosterEntry) models.Extension {
	ext := models.Extension{
		Fields:         fields,
		ID:             id,
		Type:           models.ExtensionUser,
		PresenceStatus: a.presence.GetPresence(id),
		StatusMessage:  a.presence.GetStatusMessage(id),
	}
	if p, ok := a.presence.PresenceEntry(id); ok {
		at := p.UpdatedAt
		ext.PresenceUpdatedAt = &at
	}
	if m, ok := a.presence.MessageEntry(id); ok {
		at := m.UpdatedAt
		ext.StatusUpdatedAt = &at
	}
	a.overlayCall(&ext)
	return ext
}

// Common areas have no personal presence and are always reported available.
func (a *Aggregator) commonAreaExtension(id string, fields zoom.RosterEntry) models.Extension {
	ext := models.Extension{
		Fields:         fields,
		ID:             id,
		Type:           models.ExtensionCommonArea,
		PresenceStatus: models.PresenceAvailable,
	}
	if p, ok := a.presence.PresenceEntry(id); ok {
		at := p.UpdatedAt
		ext.PresenceUpdatedAt = &at
	}
	a.overlayCall(&ext)
	return ext
}

func (a *Aggregator) overlayCall(ext *models.Extension) {
	call := a.calls.GetFormattedCallStatus(ext.ID)
	if call == nil {
		return
	}
	status := call.Status
	ext.CallStatus = &status
	if call.Direction != "" {
		dir := call.Direction
		ext.CallDirection = &dir
	}
}
