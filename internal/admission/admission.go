// Package admission decides whether an Init frame becomes a live tunnel:
// token auth, plan limits, subdomain assignment, and directory registration.
package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvaar/dvaar/internal/db"
	"github.com/dvaar/dvaar/internal/directory"
	"github.com/dvaar/dvaar/internal/protocol"
	"github.com/dvaar/dvaar/internal/subdomain"
)

// freeMemberTTL is the user-tunnel member expiry for free-plan tunnels.
const freeMemberTTL = 30 * 24 * time.Hour

// maxGenerateAttempts bounds collision retries for generated subdomains.
const maxGenerateAttempts = 8

// Rejection is an admission failure with a user-facing reason. The reason is
// sent verbatim in InitAck.error and never wraps internal error text.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Store is the persistent collaborator surface the admission path reads.
// *db.DB implements it.
type Store interface {
	GetUserByToken(token string) (*db.User, error)
	GetPlanLimits(name string) (db.PlanLimits, error)
	GetReservedSubdomainOwner(sub string) (string, error)
}

// Config locates this edge node for the routes it writes.
type Config struct {
	TunnelDomain string // e.g. "tun.example"
	NodeAddr     string // this node's address as peers reach it
	InternalPort int
	RouteTTL     time.Duration // must be <= 2x heartbeat interval
}

// Admitted is the successful admission result the session runs under.
type Admitted struct {
	UserID         string
	Email          string
	Plan           db.PlanLimits
	Subdomain      string
	AssignedDomain string
	memberTTL      time.Duration
}

// Controller runs the ordered admission checks.
type Controller struct {
	store Store
	dir   *directory.Directory
	cfg   Config
	log   zerolog.Logger
}

func New(store Store, dir *directory.Directory, cfg Config, log zerolog.Logger) *Controller {
	return &Controller{
		store: store,
		dir:   dir,
		cfg:   cfg,
		log:   log.With().Str("component", "admission").Logger(),
	}
}

var nextPlan = map[string]string{
	"free":  "Hobby",
	"hobby": "Pro",
}

// Admit validates an Init frame and, on success, registers the route and the
// user-tunnel member. Failures of type *Rejection carry the InitAck error
// message; any other error is internal and must not reach the client.
func (c *Controller) Admit(ctx context.Context, init protocol.Init) (*Admitted, error) {
	// 1. Authenticate.
	user, err := c.store.GetUserByToken(init.Token)
	if err != nil {
		return nil, fmt.Errorf("auth lookup: %w", err)
	}
	if user == nil {
		return nil, reject("Invalid token")
	}

	// 2. Effective plan: expired paid plans fall back to free.
	planName := user.Plan
	if user.PlanExpiresAt != nil && user.PlanExpiresAt.Before(time.Now()) {
		planName = "free"
	}
	plan, err := c.store.GetPlanLimits(planName)
	if err != nil {
		return nil, fmt.Errorf("plan limits: %w", err)
	}

	// 3. Tunnel-creation rate limit. Fails open: a directory blip must not
	// lock every client out.
	allowed, err := c.dir.AllowTunnelCreate(ctx, user.ID, plan.TunnelRatePerHour, time.Hour, uuid.NewString())
	if err != nil {
		c.log.Warn().Err(err).Str("user", user.ID).Msg("rate limit check failed, allowing")
	} else if !allowed {
		return nil, reject("Too many tunnels created recently. Please slow down.")
	}

	// 4. Bandwidth cap.
	usage, err := c.dir.GetUsage(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("usage lookup: %w", err)
	}
	if usage >= plan.MonthlyBandwidthBytes {
		return nil, reject("Monthly bandwidth limit reached. Upgrade your plan or wait for the window to reset.")
	}

	// 5. Subdomain resolution.
	sub, err := c.resolveSubdomain(ctx, user, plan, init.Subdomain)
	if err != nil {
		return nil, err
	}

	// 6. Register the route. Fails closed: without a route the tunnel is
	// unreachable, so there is no point admitting.
	rec := directory.RouteRecord{
		NodeAddr:     c.cfg.NodeAddr,
		InternalPort: c.cfg.InternalPort,
		UserID:       user.ID,
	}
	if err := c.dir.PutRoute(ctx, sub, rec, c.cfg.RouteTTL); err != nil {
		return nil, fmt.Errorf("register route: %w", err)
	}

	// 7. Register the user-tunnel member atomically; roll back the route on
	// over-limit.
	memberTTL := memberTTLFor(planName, user.PlanExpiresAt)
	_, admitted, err := c.dir.AddUserTunnel(ctx, user.ID, sub, memberTTL, plan.MaxConcurrent)
	if err != nil {
		c.rollbackRoute(sub)
		return nil, fmt.Errorf("register user tunnel: %w", err)
	}
	if !admitted {
		c.rollbackRoute(sub)
		if up, ok := nextPlan[planName]; ok {
			return nil, reject("Maximum %d concurrent tunnels reached. Upgrade to %s for more.", plan.MaxConcurrent, up)
		}
		return nil, reject("Maximum %d concurrent tunnels reached.", plan.MaxConcurrent)
	}

	return &Admitted{
		UserID:         user.ID,
		Email:          user.Email,
		Plan:           plan,
		Subdomain:      sub,
		AssignedDomain: sub + "." + c.cfg.TunnelDomain,
		memberTTL:      memberTTL,
	}, nil
}

func (c *Controller) resolveSubdomain(ctx context.Context, user *db.User, plan db.PlanLimits, requested string) (string, error) {
	if requested != "" {
		requested = strings.ToLower(requested)
		if !plan.MayRequestSubdomain {
			return "", reject("Custom subdomains require a paid plan.")
		}
		if err := subdomain.Check(requested); err != nil {
			switch err {
			case subdomain.ErrReserved:
				return "", reject("'%s' is a reserved name", requested)
			default:
				return "", reject("Invalid subdomain: %s", err.Error())
			}
		}
		// An existing route owned by someone else means the name is taken.
		route, err := c.dir.GetRoute(ctx, requested)
		if err != nil {
			return "", fmt.Errorf("route lookup: %w", err)
		}
		if route != nil && route.UserID != user.ID {
			return "", reject("Subdomain '%s' is already in use.", requested)
		}
		owner, err := c.store.GetReservedSubdomainOwner(requested)
		if err != nil {
			return "", fmt.Errorf("reservation lookup: %w", err)
		}
		if owner != "" && owner != user.ID {
			return "", reject("Subdomain '%s' is already in use.", requested)
		}
		return requested, nil
	}

	for i := 0; i < maxGenerateAttempts; i++ {
		sub := subdomain.Generate()
		route, err := c.dir.GetRoute(ctx, sub)
		if err != nil {
			return "", fmt.Errorf("route lookup: %w", err)
		}
		if route == nil {
			return sub, nil
		}
	}
	return "", fmt.Errorf("could not generate a free subdomain after %d attempts", maxGenerateAttempts)
}

// Release undoes an admission: the session calls it on shutdown, and the
// handshake path calls it when the InitAck write fails.
func (c *Controller) Release(ctx context.Context, adm *Admitted) {
	if err := c.dir.DeleteRoute(ctx, adm.Subdomain); err != nil {
		c.log.Warn().Err(err).Str("subdomain", adm.Subdomain).Msg("route cleanup failed")
	}
	if err := c.dir.RemoveUserTunnel(ctx, adm.UserID, adm.Subdomain); err != nil {
		c.log.Warn().Err(err).Str("subdomain", adm.Subdomain).Msg("user-tunnel cleanup failed")
	}
}

// Heartbeat refreshes the route, user-tunnel member, and usage TTLs for a
// live session. A vanished route (directory eviction) is re-registered: the
// invariant is that a live local handle always has a route.
func (c *Controller) Heartbeat(ctx context.Context, adm *Admitted) error {
	ok, err := c.dir.RefreshRoute(ctx, adm.Subdomain, c.cfg.RouteTTL)
	if err != nil {
		return err
	}
	if !ok {
		rec := directory.RouteRecord{
			NodeAddr:     c.cfg.NodeAddr,
			InternalPort: c.cfg.InternalPort,
			UserID:       adm.UserID,
		}
		if err := c.dir.PutRoute(ctx, adm.Subdomain, rec, c.cfg.RouteTTL); err != nil {
			return err
		}
	}
	if _, _, err := c.dir.AddUserTunnel(ctx, adm.UserID, adm.Subdomain, adm.memberTTL, adm.Plan.MaxConcurrent); err != nil {
		return err
	}
	return c.dir.TouchUsage(ctx, adm.UserID)
}

func (c *Controller) rollbackRoute(sub string) {
	// Uses a fresh context: the rollback must run even if admission's
	// context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.dir.DeleteRoute(ctx, sub); err != nil {
		c.log.Warn().Err(err).Str("subdomain", sub).Msg("route rollback failed")
	}
}

func memberTTLFor(planName string, expiresAt *time.Time) time.Duration {
	if planName != "free" && expiresAt != nil {
		if d := time.Until(*expiresAt); d > 0 {
			return d
		}
	}
	return freeMemberTTL
}
