package container

import (
	"time"

	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/broker"
	"github.com/noetl/noetl/common/catalog"
	"github.com/noetl/noetl/common/credential"
	"github.com/noetl/noetl/common/metrics"
	"github.com/noetl/noetl/common/render"
	"github.com/noetl/noetl/common/repository"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	// Repositories
	EventRepo    *repository.EventRepository
	QueueRepo    *repository.QueueRepository
	WorkflowRepo *repository.WorkflowRepository

	// Services
	Catalog     *catalog.TableCatalog
	Credentials *credential.CachedStore
	Renderer    *render.Renderer
	Metrics     *metrics.Metrics
	Evaluator   *broker.Evaluator
	Runner      *broker.Runner
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	eventRepo := repository.NewEventRepository(components.DB)
	queueRepo := repository.NewQueueRepository(components.DB)
	workflowRepo := repository.NewWorkflowRepository(components.DB)

	tableCatalog := catalog.NewTableCatalog(components.DB)
	credentials := credential.NewCachedStore(credential.EnvStore{}, components.Redis, 10*time.Minute)

	m := metrics.NewDefault()

	evaluator := broker.NewEvaluator(&broker.EvaluatorOpts{
		Events:                 eventRepo,
		Queue:                  queueRepo,
		Workflow:               workflowRepo,
		Catalog:                tableCatalog,
		Credentials:            credentials,
		Logger:                 components.Logger,
		Metrics:                m,
		InlineAggregationLimit: components.Config.Broker.InlineAggregationLimit,
		DefaultMaxAttempts:     components.Config.Queue.DefaultMaxAttempts,
	})

	runner := broker.NewRunner(&broker.RunnerOpts{
		Evaluator:   evaluator,
		Redis:       components.Redis,
		Credentials: credentials,
		Executions:  eventRepo,
		WakeupList:  components.Config.Broker.WakeupList,
		IdlePoll:    components.Config.Broker.IdlePoll,
		Logger:      components.Logger,
	})

	return &Container{
		Components:   components,
		EventRepo:    eventRepo,
		QueueRepo:    queueRepo,
		WorkflowRepo: workflowRepo,
		Catalog:      tableCatalog,
		Credentials:  credentials,
		Renderer:     render.NewRenderer(),
		Metrics:      m,
		Evaluator:    evaluator,
		Runner:       runner,
	}, nil
}
