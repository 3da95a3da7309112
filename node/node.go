// Package node wires every core subsystem together into one running
// cluster member: consensus, durable store, replication dispatcher,
// failure detector, catch-up, time sync, and the ordering buffer, plus
// the JSON-over-HTTP surface of package api. This is the generalization
// of aecra-raft/cluster/cluster.go's in-process wiring (there: connect
// peers, close a ready channel) to a single standalone process talking
// JSON/HTTP to its peers, per spec §2/§5.
package node

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aecra/msgcluster/api"
	"github.com/aecra/msgcluster/catchup"
	"github.com/aecra/msgcluster/failure"
	"github.com/aecra/msgcluster/ordering"
	"github.com/aecra/msgcluster/raft"
	"github.com/aecra/msgcluster/replication"
	"github.com/aecra/msgcluster/store"
	"github.com/aecra/msgcluster/timesync"
)

// Config carries every CLI/config-file knob of spec §6.
type Config struct {
	ID               string
	Host             string
	Port             int
	Peers            []string
	ReplicationMode  string // "async" or "sync_quorum"
	Quorum           int    // 0 => majority
	DataDir          string
	RPCTimeout       time.Duration
	QuorumTimeout    time.Duration
	FailureInterval  time.Duration
	TimeSyncInterval time.Duration
	OrderingTick     time.Duration
	HoldBack         time.Duration
}

func (c Config) selfURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Node is one running cluster member.
type Node struct {
	cfg Config
	log zerolog.Logger

	store      *store.Store
	consensus  *raft.ConsensusModule
	dispatcher replication.Dispatcher
	detector   *failure.Detector
	timesync   *timesync.Sync
	buffer     *ordering.Buffer
	catchup    *catchup.Runner
	client     *api.Client
	apiServer  *api.Server
	httpServer *http.Server

	orderingStop chan struct{}
}

// New builds a Node from cfg but does not start any goroutines or the
// HTTP listener; call Start for that.
func New(cfg Config, logger zerolog.Logger) (*Node, error) {
	if cfg.Quorum == 0 {
		cfg.Quorum = (len(cfg.Peers)+1)/2 + 1
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 150 * time.Millisecond
	}
	if cfg.QuorumTimeout == 0 {
		cfg.QuorumTimeout = 10 * time.Second
	}
	if cfg.FailureInterval == 0 {
		cfg.FailureInterval = 5 * time.Second
	}
	if cfg.TimeSyncInterval == 0 {
		cfg.TimeSyncInterval = 30 * time.Second
	}
	if cfg.OrderingTick == 0 {
		cfg.OrderingTick = 250 * time.Millisecond
	}
	if cfg.HoldBack == 0 {
		cfg.HoldBack = ordering.DefaultHoldBack
	}

	logger = logger.With().Str("node_id", cfg.ID).Logger()

	st, err := store.Open(cfg.DataDir + "/log.db")
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, log: logger, store: st, client: api.NewClient(cfg.RPCTimeout)}

	n.timesync = timesync.New()
	n.buffer = ordering.New(cfg.HoldBack, n.deliver, logger)

	cm, err := raft.New(cfg.selfURL(), cfg.Peers, cfg.Quorum, st, n.client, n.applyEntry, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	n.consensus = cm

	n.dispatcher = replication.New(cfg.ReplicationMode, cm, st, cfg.QuorumTimeout)
	n.detector = failure.New(cfg.Peers, cfg.FailureInterval, n.client.Probe, n.onPeerRecovered, logger)
	n.catchup = catchup.New(n.client.Sync, n.installCatchUpEntry, cm.LocalLastIndex, logger)

	n.apiServer = api.New(logger)
	n.apiServer.Consensus = cm
	n.apiServer.Dispatcher = n.dispatcher
	n.apiServer.Log = st
	n.apiServer.Failure = n.detector
	n.apiServer.Time = timeView{n}
	n.apiServer.Ordering = n.buffer
	n.apiServer.Replicator = n

	n.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: n.apiServer.Engine(),
	}

	return n, nil
}

// timeView adapts *timesync.Sync to api.TimeView (Sync already satisfies
// Stats/Correct/Now directly, this indirection exists only to keep the
// node package the single place that names api.TimeView).
type timeView struct{ n *Node }

func (t timeView) Stats() timesync.Stats { return t.n.timesync.Stats() }
func (t timeView) Now() float64          { return t.n.timesync.Now() }

func (t timeView) Correct(raw, delta float64) (float64, error) {
	return t.n.timesync.Correct(raw, delta)
}

// Start begins the HTTP listener and every background subsystem
// (election timer, apply loop, failure detector, time-sync ticker,
// ordering-buffer ticker), per spec §5's list of concurrent activities.
func (n *Node) Start() error {
	n.consensus.Start()
	n.detector.Start()

	n.orderingStop = make(chan struct{})
	go n.runOrderingTicker()
	go n.runTimeSyncTicker()

	n.log.Info().Str("addr", n.httpServer.Addr).Msg("node listening")
	err := n.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains the apply loop and closes the HTTP listener and store, per
// spec §5's shutdown sequence. Consensus metadata needs no separate flush:
// every store.SetMeta is durable when it returns. Safe to call more than
// once.
func (n *Node) Stop(ctx context.Context) error {
	if n.orderingStop != nil {
		select {
		case <-n.orderingStop:
		default:
			close(n.orderingStop)
		}
	}
	n.detector.Stop()
	n.consensus.Stop() // drains the apply loop
	if err := n.httpServer.Shutdown(ctx); err != nil {
		n.log.Warn().Err(err).Msg("http shutdown")
	}
	return n.store.Close()
}

// FatalErr surfaces a persistence_fatal error if the consensus module
// stopped serving because of one, per spec §7's propagation rule.
func (n *Node) FatalErr() error {
	return n.consensus.FatalErr()
}
