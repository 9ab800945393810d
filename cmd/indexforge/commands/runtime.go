package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/superfly/fsm"

	"github.com/indexforge/indexforge/internal/config"
	"github.com/indexforge/indexforge/pkg/archive"
	"github.com/indexforge/indexforge/pkg/build"
	"github.com/indexforge/indexforge/pkg/bundle"
	"github.com/indexforge/indexforge/pkg/db"
	"github.com/indexforge/indexforge/pkg/errors"
	"github.com/indexforge/indexforge/pkg/gating"
	"github.com/indexforge/indexforge/pkg/indexservice"
	"github.com/indexforge/indexforge/pkg/notify"
	"github.com/indexforge/indexforge/pkg/queue"
	"github.com/indexforge/indexforge/pkg/registry"
)

// appRuntime wires the full build pipeline for one CLI invocation.
type appRuntime struct {
	cfg     *config.Config
	repo    *db.Repository
	orch    *build.Orchestrator
	manager *fsm.Manager
}

func newRuntime(ctx context.Context) (*appRuntime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath); err != nil {
		return nil, err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	executor := registry.NewExecutor(nil, cfg.RegistryAttempts, cfg.CommandTimeout, cfg.AuthFile)
	indexManager := indexservice.NewManager(indexservice.Config{
		BasePort:        cfg.ServeBasePort,
		PortAttempts:    cfg.ServePortAttempts,
		AcquireAttempts: cfg.ServeAcquireAttempts,
		InitTimeout:     cfg.ServeInitTimeout,
	}, nil, nil)

	var gater build.Gater
	if cfg.GatingURL != "" {
		gater = gating.NewClient(cfg.GatingURL, cfg.GatingTimeout)
	}

	machine := build.NewMachine(
		repo,
		executor,
		build.OPMService{Manager: indexManager},
		gater,
		&bundle.ImageLoader{},
		nil,
		build.Options{
			RequiredLabels: cfg.RequiredLabels,
			BinaryImages:   cfg.BinaryImages,
			Organizations:  directiveSpecs(cfg.Organizations),
			LanePolicies:   lanePolicies(cfg.Lanes),
			CommandTimeout: cfg.CommandTimeout,
		},
	)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "FSM manager failed")
	}
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "FSM register failed")
	}

	router, err := queue.NewRouter(laneSpecs(cfg.Lanes), cfg.UserLanes, cfg.DefaultLane, cfg.PoolSize, cfg.QueueDepth)
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "queue init failed")
	}

	var sender notify.Sender = notify.NopSender{}
	if cfg.NATSURL != "" {
		nats, err := notify.NewNATSSender(cfg.NATSURL, 64)
		if err != nil {
			// Notifications are best effort: run without them.
			slog.Warn("notifications_disabled", "error", err)
		} else {
			sender = nats
		}
	}

	orch := build.NewOrchestrator(repo, router, sender, build.FSMRunner(manager, start),
		cfg.StateSubject, cfg.BatchSubject)

	if cfg.ArchiveBucket != "" {
		archiver, err := archive.NewClient(ctx, cfg.ArchiveBucket, cfg.ArchiveRegion)
		if err != nil {
			slog.Warn("archive_disabled", "error", err)
		} else {
			orch = orch.WithArchiver(archiver)
		}
	}

	return &appRuntime{cfg: cfg, repo: repo, orch: orch, manager: manager}, nil
}

// drain stops admission and waits for every queued request to finish.
func (r *appRuntime) drain() {
	r.orch.Close()
	r.manager.Shutdown(10 * time.Second)
}

func (r *appRuntime) close() {
	r.drain()
	r.repo.Close()
}

func laneSpecs(lanes map[string]config.Lane) map[string]queue.LaneSpec {
	specs := make(map[string]queue.LaneSpec, len(lanes))
	for name, lane := range lanes {
		specs[name] = queue.LaneSpec{Mode: lane.Mode}
	}
	return specs
}

func lanePolicies(lanes map[string]config.Lane) map[string]build.LanePolicy {
	policies := make(map[string]build.LanePolicy, len(lanes))
	for name, lane := range lanes {
		policies[name] = build.LanePolicy{Gated: lane.Gated, PolicyParams: lane.PolicyParams}
	}
	return policies
}

func directiveSpecs(orgs map[string][]config.DirectiveConfig) map[string][]build.DirectiveSpec {
	specs := make(map[string][]build.DirectiveSpec, len(orgs))
	for org, directives := range orgs {
		converted := make([]build.DirectiveSpec, 0, len(directives))
		for _, d := range directives {
			converted = append(converted, build.DirectiveSpec{
				Type:         d.Type,
				Annotations:  d.Annotations,
				Suffix:       d.Suffix,
				Replacements: d.Replacements,
				Template:     d.Template,
				Glue:         d.EncloseGlue,
				Namespace:    d.Namespace,
			})
		}
		specs[org] = converted
	}
	return specs
}
