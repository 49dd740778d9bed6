// Package reconcile detects and repairs drift between the local policy
// mirror and the policy store.
//
// The mirror (policy_rules) is written in the same transaction as every
// domain change, so it is the desired state. The policy store only receives
// changes after commit and can miss some when a command fails. A pass diffs
// both sides and, when asked to, applies the minimal commands that bring the
// store back to the mirror. The superuser wildcard permission is seeded into
// the store directly and is always part of the desired state.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/iamsync/internal/diff"
	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/repository"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

const tracerName = "iamsync/services/reconcile"

// Flusher drains pending policy commands before a snapshot is taken.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Report describes the drift found by one pass.
type Report struct {
	MissingGrouping    []policysync.GroupingRule  `json:"missing_grouping"`
	ExtraGrouping      []policysync.GroupingRule  `json:"extra_grouping"`
	MissingPermissions []policysync.PermissionRule `json:"missing_permissions"`
	ExtraPermissions   []policysync.PermissionRule `json:"extra_permissions"`
	Repaired           bool                        `json:"repaired"`
	Duration           time.Duration               `json:"duration"`
}

// Drift reports whether the store differed from the mirror.
func (r *Report) Drift() bool {
	return len(r.MissingGrouping)+len(r.ExtraGrouping)+len(r.MissingPermissions)+len(r.ExtraPermissions) > 0
}

// Reconciler compares the mirror with the policy store.
type Reconciler struct {
	db            bun.IDB
	gateway       policysync.Gateway
	flusher       Flusher
	superuserRole string
	logger        *logrus.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithFlusher makes every pass wait for queued commands first, so in-flight
// changes are not reported as drift.
func WithFlusher(f Flusher) Option {
	return func(r *Reconciler) { r.flusher = f }
}

// New returns a Reconciler reading the mirror from db.
func New(db bun.IDB, gateway policysync.Gateway, superuserRole string, opts ...Option) *Reconciler {
	r := &Reconciler{
		db:            db,
		gateway:       gateway,
		superuserRole: superuserRole,
		logger:        logrus.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one pass. With repair set, the drift is also corrected.
func (r *Reconciler) Run(ctx context.Context, repair bool) (*Report, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.Run", attribute.Bool("reconcile.repair", repair))
	defer span.End()
	start := time.Now()

	report, err := r.run(ctx, repair)
	if err != nil {
		telemetry.RecordError(span, err)
		runsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	report.Duration = time.Since(start)

	driftRules.WithLabelValues("grouping_missing").Set(float64(len(report.MissingGrouping)))
	driftRules.WithLabelValues("grouping_extra").Set(float64(len(report.ExtraGrouping)))
	driftRules.WithLabelValues("permission_missing").Set(float64(len(report.MissingPermissions)))
	driftRules.WithLabelValues("permission_extra").Set(float64(len(report.ExtraPermissions)))

	fields := logrus.Fields{
		"grouping_missing":   len(report.MissingGrouping),
		"grouping_extra":     len(report.ExtraGrouping),
		"permission_missing": len(report.MissingPermissions),
		"permission_extra":   len(report.ExtraPermissions),
		"repaired":           report.Repaired,
	}
	switch {
	case !report.Drift():
		runsTotal.WithLabelValues("clean").Inc()
		r.logger.WithFields(fields).Debug("policy store matches mirror")
	case report.Repaired:
		runsTotal.WithLabelValues("repaired").Inc()
		r.logger.WithFields(fields).Warn("policy drift repaired")
	default:
		runsTotal.WithLabelValues("drift").Inc()
		r.logger.WithFields(fields).Warn("policy drift detected")
	}
	return report, nil
}

func (r *Reconciler) run(ctx context.Context, repair bool) (*Report, error) {
	if r.flusher != nil {
		if err := r.flusher.Flush(ctx); err != nil {
			return nil, fmt.Errorf("flush pending policy commands: %w", err)
		}
	}

	rules := repository.NewBunPolicyRuleRepository(r.db)
	wantGrouping, err := rules.Grouping(ctx)
	if err != nil {
		return nil, fmt.Errorf("read grouping mirror: %w", err)
	}
	wantPermissions, err := rules.Permissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read permission mirror: %w", err)
	}
	if r.superuserRole != "" {
		wantPermissions = append(wantPermissions, policysync.PermissionRule{Role: r.superuserRole, Operation: policysync.Wildcard})
	}

	haveGrouping, err := r.gateway.GroupingRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("read policy store grouping rules: %w", err)
	}
	havePermissions, err := r.gateway.PermissionRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("read policy store permission rules: %w", err)
	}

	report := &Report{}
	report.MissingGrouping, report.ExtraGrouping = diff.Compute(haveGrouping, wantGrouping)
	report.MissingPermissions, report.ExtraPermissions = diff.Compute(havePermissions, wantPermissions)

	if !repair || !report.Drift() {
		return report, nil
	}
	for _, cmd := range repairCommands(report, wantPermissions) {
		if err := cmd.Apply(ctx, r.gateway); err != nil {
			return nil, fmt.Errorf("repair with %s: %w", cmd.Kind(), err)
		}
	}
	report.Repaired = true
	return report, nil
}

// repairCommands builds the commands that turn the store into the mirror.
// Permissions are replaced per affected role so each role converges in one call.
func repairCommands(report *Report, wantPermissions []policysync.PermissionRule) []policysync.Command {
	var cmds []policysync.Command
	if len(report.ExtraGrouping) > 0 {
		cmds = append(cmds, policysync.RemoveGroupingRules{Rules: report.ExtraGrouping})
	}
	if len(report.MissingGrouping) > 0 {
		cmds = append(cmds, policysync.AddGroupingRules{Rules: report.MissingGrouping})
	}

	affected := make(map[string]struct{})
	for _, p := range append(append([]policysync.PermissionRule(nil), report.MissingPermissions...), report.ExtraPermissions...) {
		affected[p.Role] = struct{}{}
	}
	roles := make([]string, 0, len(affected))
	for role := range affected {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		var want []policysync.PermissionRule
		for _, p := range wantPermissions {
			if p.Role == role {
				want = append(want, p)
			}
		}
		if len(want) == 0 {
			cmds = append(cmds, policysync.RemovePermissionRulesForSubject{Role: role})
			continue
		}
		cmds = append(cmds, policysync.ReplacePermissionRules{Role: role, Rules: want})
	}
	return cmds
}
