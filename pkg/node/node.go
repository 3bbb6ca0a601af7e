// Package node hosts a management context behind the control server: it
// loads the node configuration, deploys the configured entities and serves
// the management API next to the core service.
package node

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"
	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-mgmt/pkg/control"
	"github.com/core-tools/hsu-mgmt/pkg/entities"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/management"
	"github.com/core-tools/hsu-mgmt/pkg/processfile"
	"github.com/core-tools/hsu-mgmt/pkg/storage"
	"github.com/core-tools/hsu-mgmt/pkg/telemetry"
)

// NodeState represents the current state of the node
type NodeState string

const (
	NodeStateNotStarted NodeState = "not_started"
	NodeStateRunning    NodeState = "running"
	NodeStateStopping   NodeState = "stopping"
	NodeStateStopped    NodeState = "stopped"
)

const serviceName = "hsu-mgmt"

type Node struct {
	config        *NodeConfig
	server        corecontrol.Server
	management    *management.Context
	storage       storage.Storage
	metrics       *telemetry.Metrics
	metricsServer *http.Server
	deployment    *Deployment
	logger        logging.Logger
	state         NodeState
	mutex         sync.Mutex
}

// NewNode wires storage, telemetry, the management context and the control
// server described by config
func NewNode(ctx context.Context, config *NodeConfig, coreLogger corelogging.Logger, logger logging.Logger) (*Node, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	store, err := openStorage(ctx, config.Storage)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics(config.Metrics)
	tracer, err := telemetry.NewTracer(ctx, config.Tracing, serviceName)
	if err != nil {
		closeStorage(store, logger)
		return nil, errors.NewInternalError("failed to create tracer", err)
	}

	mc := management.New(management.Options{
		Storage: store,
		Tasks:   config.Tasks,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logging.NewChildLogger(logger, "management: "),
	})

	serverOptions := corecontrol.ServerOptions{
		Port: config.Node.Port,
	}
	server, err := corecontrol.NewServer(serverOptions, coreLogger)
	if err != nil {
		_ = mc.Shutdown(ctx)
		closeStorage(store, logger)
		return nil, errors.NewInternalError("failed to create server", err)
	}

	// Register core services
	coreHandler := coredomain.NewDefaultHandler(coreLogger)
	corecontrol.RegisterGRPCServerHandler(server.GRPC(), coreHandler, coreLogger)

	// Register the management API
	nodeHandler := NewNodeHandler(mc, logging.NewChildLogger(logger, "api: "))
	control.RegisterGRPCServerHandler(server.GRPC(), nodeHandler, logger)

	return &Node{
		config:     config,
		server:     server,
		management: mc,
		storage:    store,
		metrics:    metrics,
		logger:     logger,
		state:      NodeStateNotStarted,
	}, nil
}

func openStorage(ctx context.Context, config StorageConfig) (storage.Storage, error) {
	switch config.Backend {
	case StorageBackendSQLite:
		if config.SQLite == nil {
			return nil, errors.NewValidationError("sqlite storage requires a path", nil)
		}
		store, err := storage.NewSQLiteStorage(ctx, *config.SQLite)
		if err != nil {
			return nil, errors.NewIOError("failed to open sqlite storage", err).WithContext("path", config.SQLite.Path)
		}
		return store, nil
	case StorageBackendMemory, "":
		return storage.NewMemoryStorage(), nil
	}
	return nil, errors.NewValidationError("unsupported storage backend: "+string(config.Backend), nil)
}

func closeStorage(store storage.Storage, logger logging.Logger) {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Errorf("Failed to close storage: %v", err)
	}
}

func (n *Node) Management() *management.Context {
	return n.management
}

func (n *Node) State() NodeState {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.state
}

func (n *Node) setState(state NodeState) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.state = state
}

// Deploy manages the configured entities; it is allowed once, before Start
func (n *Node) Deploy() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state != NodeStateNotStarted {
		return errors.NewConflictError(fmt.Sprintf("cannot deploy, node is %s", n.state), nil)
	}
	if n.deployment != nil {
		return errors.NewConflictError("entities are already deployed", nil)
	}

	var opts []DeployOption
	if n.config.PIDFiles != nil {
		pidFiles := processfile.NewManager(*n.config.PIDFiles, logging.NewChildLogger(n.logger, "pid files: "))
		n.logger.Infof("PID files directory: %s", pidFiles.Directory())
		opts = append(opts, WithPIDFiles(pidFiles))
	}

	deployment, err := Deploy(n.management, n.config.Entities, n.logger, opts...)
	if err != nil {
		return err
	}
	n.deployment = deployment
	n.logger.Infof("Deployed %d root entities, %d entities managed", len(deployment.Roots), len(n.management.Entities()))
	return nil
}

// Start serves the control and metrics endpoints. With auto start every
// deployed root that has a start effector is started in the background.
func (n *Node) Start(ctx context.Context) {
	n.logger.Infof("Starting node...")

	n.server.Start(ctx)
	n.startMetricsServer()
	n.setState(NodeStateRunning)

	if n.config.Node.AutoStart && n.deployment != nil {
		for _, root := range n.deployment.Roots {
			if _, ok := root.Effector(entities.StartEffector); !ok {
				continue
			}
			task, err := n.management.Invoke(ctx, root.ID(), entities.StartEffector, nil)
			if err != nil {
				n.logger.Errorf("Failed to start %s: %v", root.ID(), err)
				continue
			}
			n.logger.Infof("Starting %s, task: %s", root.ID(), task.ID())
		}
	}

	n.logger.Infof("Node started")
}

func (n *Node) startMetricsServer() {
	listen := n.config.Metrics.Listen
	if !n.config.Metrics.Enabled || listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	n.metricsServer = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := n.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Errorf("Metrics server failed: %v", err)
		}
	}()
	n.logger.Infof("Serving metrics on %s/metrics", listen)
}

// Stop shuts the servers down, stops the deployed roots and then the
// management context, bounded by the force shutdown timeout
func (n *Node) Stop(ctx context.Context) {
	n.logger.Infof("Stopping node...")
	n.setState(NodeStateStopping)

	if ctx == nil {
		ctx = context.Background()
	}
	timeout := n.config.Node.ForceShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n.server.Shutdown(ctx)
	if n.metricsServer != nil {
		if err := n.metricsServer.Shutdown(ctx); err != nil {
			n.logger.Warnf("Metrics server shutdown: %v", err)
		}
	}

	if n.deployment != nil {
		n.deployment.Stop()
		n.stopRoots(ctx)
	}

	if err := n.management.Shutdown(ctx); err != nil {
		n.logger.Errorf("Management shutdown: %v", err)
	}
	closeStorage(n.storage, n.logger)

	n.setState(NodeStateStopped)
	n.logger.Infof("Node stopped")
}

func (n *Node) stopRoots(ctx context.Context) {
	var wg sync.WaitGroup
	for _, root := range n.deployment.Roots {
		root := root
		if _, ok := root.Effector(entities.StopEffector); !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := n.management.InvokeAndGet(ctx, root.ID(), entities.StopEffector, nil); err != nil {
				n.logger.Errorf("Failed to stop %s: %v", root.ID(), err)
				return
			}
			n.logger.Infof("Stopped %s", root.ID())
		}()
	}
	wg.Wait()
}
