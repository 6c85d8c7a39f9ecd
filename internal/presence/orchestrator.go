package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nowplaying/internal/eventbus"
	"nowplaying/internal/provider"
	"nowplaying/internal/registry"
	"nowplaying/internal/storage"
	"nowplaying/internal/task/scheduler"
	logx "nowplaying/pkg/logx"
)

const (
	defaultRefreshSkew = 60 * time.Second
	teardownTimeout    = 5 * time.Second
)

type DeliveryEvent struct {
	Subject string `json:"subject"`
	Viewers int    `json:"viewers"`
	Gone    int    `json:"gone"`
}

// Deps are the collaborators of one Orchestrator. All are required except Bus.
type Deps struct {
	Registry    Registry
	Scheduler   Scheduler
	Deliverer   Deliverer
	Source      provider.Client
	Credentials storage.CredentialStore
	Statuses    storage.StatusStore
	Bus         eventbus.Bus
	Log         logx.Logger

	// RefreshSkew refreshes credentials this long before they expire.
	RefreshSkew time.Duration
}

// Orchestrator runs one presence tick per call. It keeps no per-subject state.
type Orchestrator struct {
	reg      Registry
	sched    Scheduler
	fan      Deliverer
	src      provider.Client
	creds    storage.CredentialStore
	statuses storage.StatusStore
	bus      eventbus.Bus
	log      logx.Logger
	skew     time.Duration
	now      func() time.Time
}

func NewOrchestrator(d Deps) *Orchestrator {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.RefreshSkew <= 0 {
		d.RefreshSkew = defaultRefreshSkew
	}
	return &Orchestrator{
		reg:      d.Registry,
		sched:    d.Scheduler,
		fan:      d.Deliverer,
		src:      d.Source,
		creds:    d.Credentials,
		statuses: d.Statuses,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "presence")),
		skew:     d.RefreshSkew,
		now:      time.Now,
	}
}

// Tick polls subject once. tier is the tier of the trigger that fired.
//
// Any error tears the subject down: its job is unscheduled and its viewers are
// cleared. A new viewer connecting re-creates both. A job keyed outside the
// subject namespace is unscheduled without touching that key's handles.
func (o *Orchestrator) Tick(ctx context.Context, subject string, tier scheduler.Tier) (err error) {
	if err := registry.CheckSubject(subject); err != nil {
		if uerr := o.sched.Unschedule(ctx, subject, tier); uerr != nil {
			err = errors.Join(err, uerr)
		}
		o.log.Warn("job for reserved key dropped", logx.String("key", subject), logx.Err(err))
		return err
	}
	start := o.now()
	cur := tier
	ev := TickEvent{Subject: subject, Tier: tier.String()}
	defer func() {
		ev.Duration = o.now().Sub(start)
		if err != nil {
			ev.Result = ResultFailed
			o.teardown(ctx, subject, cur, err)
		}
		o.publish(eventbus.PresenceTick, ev)
	}()

	creds, err := o.credentials(ctx, subject)
	if err != nil {
		return err
	}
	set, err := o.reg.Load(ctx, subject)
	if err != nil {
		return err
	}
	ev.Viewers = set.Len()

	status, err := o.src.GetStatus(ctx, *creds, subject)
	if err != nil {
		return err
	}

	if status == nil {
		ev.Result = ResultAbsent
		if cur == scheduler.Active {
			if err := o.setTier(ctx, subject, cur, scheduler.Reduced); err != nil {
				return err
			}
			cur = scheduler.Reduced
		}
		return nil
	}

	if cur == scheduler.Reduced {
		if err := o.setTier(ctx, subject, cur, scheduler.Active); err != nil {
			return err
		}
		cur = scheduler.Active
	}
	o.saveStatus(ctx, subject, status)

	if set.Len() == 0 {
		ev.Result = ResultDelivered
		return nil
	}
	gone, err := o.fan.Deliver(ctx, set.Handles, Message{Type: MessageType, Subject: subject, Status: status, At: o.now()})
	if err != nil {
		return err
	}
	ev.Result = ResultDelivered
	ev.Gone = len(gone)
	o.publish(eventbus.PresenceDelivered, DeliveryEvent{Subject: subject, Viewers: set.Len(), Gone: len(gone)})
	if len(gone) == 0 {
		return nil
	}

	remaining, err := o.reg.RemoveConnections(ctx, subject, gone)
	if err != nil {
		return err
	}
	o.publish(eventbus.PresencePruned, PruneEvent{Subject: subject, Removed: len(gone), Remaining: remaining})
	o.log.Debug("viewers pruned",
		logx.String("subject", subject),
		logx.Strings("gone", gone),
		logx.Int("remaining", remaining),
	)
	if remaining == 0 {
		if err := o.sched.Unschedule(ctx, subject, cur); err != nil {
			return err
		}
		o.log.Debug("last viewer gone; job unscheduled", logx.String("subject", subject), logx.String("tier", cur.String()))
	}
	return nil
}

// credentials loads the subject's tokens, refreshing and persisting them when they
// are about to expire. A zero expiry never refreshes.
func (o *Orchestrator) credentials(ctx context.Context, subject string) (*storage.Credentials, error) {
	c, err := o.creds.GetCredentials(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if c.Expiry.IsZero() || o.now().Add(o.skew).Before(c.Expiry) {
		return c, nil
	}
	fresh, err := o.src.RefreshCredentials(ctx, c.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh credentials: %w", err)
	}
	fresh.Subject = subject
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = c.RefreshToken
	}
	if err := o.creds.PutCredentials(ctx, fresh); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	o.log.Debug("credentials refreshed", logx.String("subject", subject), logx.Time("expiry", fresh.Expiry))
	return &fresh, nil
}

func (o *Orchestrator) setTier(ctx context.Context, subject string, from, to scheduler.Tier) error {
	if err := o.sched.SetTier(ctx, subject, to); err != nil {
		return err
	}
	o.publish(eventbus.PresenceTier, TierEvent{Subject: subject, From: from.String(), To: to.String()})
	return nil
}

// saveStatus records the last status for display. It never fails the tick.
func (o *Orchestrator) saveStatus(ctx context.Context, subject string, st *provider.Status) {
	b, err := json.Marshal(st)
	if err == nil {
		err = o.statuses.PutStatus(ctx, storage.StatusRecord{Subject: subject, Payload: b, ChangedAt: st.ChangedAt})
	}
	if err != nil {
		o.log.Warn("status not saved", logx.String("subject", subject), logx.Err(err))
	}
}

// teardown unschedules the trigger that is live for subject and drops all of its
// viewers. It runs on a fresh context so an expired tick deadline cannot skip it.
func (o *Orchestrator) teardown(ctx context.Context, subject string, tier scheduler.Tier, cause error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	errs := []error{}
	if err := o.sched.Unschedule(tctx, subject, tier); err != nil {
		errs = append(errs, err)
	}
	if err := o.reg.Clear(tctx, subject); err != nil {
		errs = append(errs, err)
	}
	fields := []logx.Field{
		logx.String("subject", subject),
		logx.String("tier", tier.String()),
		logx.Err(cause),
	}
	if err := errors.Join(errs...); err != nil {
		fields = append(fields, logx.Any("teardown_err", err.Error()))
	}
	o.log.Warn("presence torn down", fields...)
	o.publish(eventbus.PresenceTeardown, TeardownEvent{Subject: subject, Tier: tier.String(), Error: cause.Error()})
}

func (o *Orchestrator) publish(typ string, data any) {
	o.bus.Publish(eventbus.Event{Type: typ, Time: o.now(), Data: data})
}
