package iam

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/iamsync/internal/audit"
	"github.com/terraconstructs/iamsync/internal/config"
	"github.com/terraconstructs/iamsync/internal/coordinator"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/idp"
	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/repository"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

const tracerName = "iamsync/services/iam"

// Runner executes a mutation in a transactional scope.
type Runner interface {
	Run(ctx context.Context, op string, fn func(ctx context.Context, s *coordinator.Scope) error) error
}

// iamService implements the Service interface.
type iamService struct {
	db          bun.IDB
	runner      Runner
	provider    idp.Provider
	center      idp.PermissionCenter
	notifier    idp.StatusNotifier
	gateway     policysync.Gateway
	audit       *audit.Writer
	principals  config.PrincipalConfig
	idpSettings config.IdPConfig
	logger      *logrus.Logger
}

// Dependencies contains all dependencies for service construction.
type Dependencies struct {
	// DB serves read-only queries; mutations use the Runner's transaction.
	DB     bun.IDB
	Runner Runner

	Provider         idp.Provider
	PermissionCenter idp.PermissionCenter
	StatusNotifier   idp.StatusNotifier

	// Gateway answers permission checks against the policy store.
	Gateway policysync.Gateway

	Audit      *audit.Writer
	Principals config.PrincipalConfig
	IdP        config.IdPConfig
	Logger     *logrus.Logger
}

// NewIAMService creates a service from deps.
func NewIAMService(deps Dependencies) (Service, error) {
	switch {
	case deps.DB == nil:
		return nil, fmt.Errorf("iam: DB is required")
	case deps.Runner == nil:
		return nil, fmt.Errorf("iam: Runner is required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("iam: Gateway is required")
	}
	if deps.Provider == nil {
		deps.Provider = idp.Disabled{}
	}
	if deps.PermissionCenter == nil {
		deps.PermissionCenter = idp.NewClientRoleCenter(deps.Provider, deps.IdP.SuperuserClientRole)
	}
	if deps.StatusNotifier == nil {
		deps.StatusNotifier = idp.NewEnabledNotifier(deps.Provider)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewWriter("", deps.Logger)
	}

	return &iamService{
		db:          deps.DB,
		runner:      deps.Runner,
		provider:    deps.Provider,
		center:      deps.PermissionCenter,
		notifier:    deps.StatusNotifier,
		gateway:     deps.Gateway,
		audit:       deps.Audit,
		principals:  deps.Principals,
		idpSettings: deps.IdP,
		logger:      deps.Logger,
	}, nil
}

// execute runs fn under a span and turns its outcome into a Result.
// Panics are recovered and reported as persistence failures.
func (s *iamService) execute(ctx context.Context, op string, fn func(ctx context.Context) (any, string, error), attrs ...attribute.KeyValue) (res Result) {
	attrs = append(attrs, attribute.String(telemetry.AttrOperation, op))
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam."+op, attrs...)
	defer span.End()

	log := s.logger.WithField("op", op)

	defer func() {
		if r := recover(); r != nil {
			err := errs.Persistence(fmt.Errorf("panic: %v", r), "%s failed unexpectedly", op)
			log.WithField("stack", string(debug.Stack())).Error(err)
			telemetry.RecordError(span, err)
			res = failure(err)
		}
	}()

	data, message, err := fn(ctx)
	if err != nil {
		err = errs.Classify(err)
		telemetry.RecordError(span, err)
		entry := log.WithError(err)
		switch errs.KindOf(err) {
		case errs.ErrPersistence, errs.ErrExternalDependency:
			entry.Error("operation failed")
		default:
			entry.Info("operation rejected")
		}
		return failure(err)
	}
	log.Debug(message)
	return success(data, message)
}

// mutate runs fn inside the coordinator. fn returns the data of the Result.
func (s *iamService) mutate(ctx context.Context, op string, fn func(ctx context.Context, sc *coordinator.Scope) (any, error)) (any, error) {
	var data any
	err := s.runner.Run(ctx, op, func(ctx context.Context, sc *coordinator.Scope) error {
		var err error
		data, err = fn(ctx, sc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *iamService) record(ctx context.Context, sc *coordinator.Scope, actor Actor, action models.OperationAction, objectType, target, summary string) {
	s.audit.Record(ctx, sc, audit.Entry{
		Operator:   actor.Operator,
		OriginIP:   actor.OriginIP,
		Action:     action,
		ObjectType: objectType,
		Target:     target,
		Summary:    summary,
	})
}

func (s *iamService) isAdmin(username string) bool {
	return username == s.principals.AdminUsername
}

func (s *iamService) isSuperuserRole(name string) bool {
	return name == s.principals.SuperuserRole
}

// external wraps an identity-provider failure.
func external(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errs.External(err, format, args...)
}

func repos(sc *coordinator.Scope) *repository.Repositories {
	return repository.New(sc.DB())
}
