package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/aecra/msgcluster/raft"
	"github.com/aecra/msgcluster/raftmsg"
	"github.com/aecra/msgcluster/replication"
	"github.com/aecra/msgcluster/store"
	"github.com/aecra/msgcluster/timesync"
)

// Server wires the interfaces above into a gin.Engine implementing every
// endpoint of spec §6.
type Server struct {
	Consensus  Consensus
	Dispatcher Dispatcher
	Log        LogReader
	Failure    FailureView
	Time       TimeView
	Ordering   OrderingView
	Replicator Replicator
	logger     zerolog.Logger
	metrics    *metrics

	engine     *gin.Engine
	lastRoleMu sync.Mutex
	lastRole   string
}

// New builds a Server and its gin.Engine. Call Engine() to obtain the
// http.Handler to serve.
func New(logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{logger: logger, metrics: newMetrics()}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))
	s.engine = engine
	s.registerRoutes()
	return s
}

// Engine returns the underlying http.Handler.
func (s *Server) Engine() http.Handler { return s.engine }

// requestLogger is structured request-logging middleware, matching the
// logging idiom of the gin-based entries in the retrieved pack.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) registerRoutes() {
	s.engine.POST("/send", s.handleSend)
	s.engine.GET("/messages", s.handleMessages)
	s.engine.GET("/status", s.handleStatus)
	s.engine.POST("/replicate", s.handleReplicate)
	s.engine.POST("/sync", s.handleSync)
	s.engine.GET("/heartbeat", s.handleHeartbeat)
	s.engine.POST("/request_vote", s.handleRequestVote)
	s.engine.POST("/append_entries", s.handleAppendEntries)
	s.engine.GET("/time", s.handleTimeNow)
	s.engine.POST("/time/sync", s.handleTimeSync)
	s.engine.POST("/time/correct", s.handleTimeCorrect)
	s.engine.GET("/time/stats", s.handleTimeStats)
	s.engine.GET("/ordering/status", s.handleOrderingStatus)
	s.engine.POST("/ordering/force_delivery", s.handleForceDelivery)
	s.engine.GET("/metrics", s.handleMetrics())
}

func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Reason: "malformed request"})
		return
	}

	if !s.Consensus.IsLeader() {
		hint := s.Consensus.LeaderHint()
		if hint == "" {
			c.JSON(http.StatusServiceUnavailable, FailureResponse{Reason: "no_leader"})
			return
		}
		c.JSON(http.StatusTemporaryRedirect, RedirectResponse{LeaderURL: hint, Reason: "not_leader"})
		return
	}

	msg := raftmsg.Message{
		Payload:    req.Payload,
		Sender:     req.Sender,
		Recipient:  req.Recipient,
		MsgID:      req.MsgID,
		OriginalTs: req.OriginalTs,
	}
	entry, err := s.Dispatcher.Submit(msg)
	switch {
	case err == nil:
		s.metrics.messagesSent.Inc()
		c.JSON(http.StatusOK, SendResponse{
			Status:      "ok",
			Seq:         entry.Index,
			MsgID:       entry.Message.MsgID,
			CorrectedTs: entry.Message.CorrectedTs,
		})
	case errors.Is(err, replication.ErrNotLeader):
		c.JSON(http.StatusTemporaryRedirect, RedirectResponse{LeaderURL: s.Consensus.LeaderHint(), Reason: "not_leader"})
	case errors.Is(err, replication.ErrQuorumUnreachable):
		s.metrics.quorumTimeouts.Inc()
		c.JSON(http.StatusServiceUnavailable, FailureResponse{Reason: "quorum_unreachable"})
	default:
		c.JSON(http.StatusServiceUnavailable, FailureResponse{Reason: err.Error()})
	}
}

func (s *Server) handleMessages(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var after uint64
	if v := c.Query("after"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			after = n
		}
	}
	filter := store.Filter{
		Sender:    c.Query("sender"),
		Recipient: c.Query("recipient"),
		After:     after,
	}
	entries, nextAfter, err := s.Log.Range(filter, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, FailureResponse{Reason: err.Error()})
		return
	}
	messages := make([]raftmsg.Message, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, e.Message)
	}
	c.JSON(http.StatusOK, MessagesResponse{Messages: messages, NextAfter: nextAfter})
}

func (s *Server) handleStatus(c *gin.Context) {
	id, term, role, leaderHint, commitIndex := s.Consensus.Report()
	s.metrics.commitIndex.Set(float64(commitIndex))
	s.recordRoleTransition(role.String())
	c.JSON(http.StatusOK, StatusResponse{
		ID:          id,
		Role:        role.String(),
		Term:        term,
		LeaderHint:  leaderHint,
		CommitIndex: commitIndex,
		Peers:       s.Failure.Snapshot(),
		Ordering:    s.Ordering.Status(5),
		Time:        s.Time.Stats(),
	})
}

// recordRoleTransition bumps leaderElected the first time a poll observes
// this node having become Leader since the last poll. /status is the only
// place role is observed from outside package raft, so it doubles as the
// sampling point for this counter.
func (s *Server) recordRoleTransition(role string) {
	s.lastRoleMu.Lock()
	defer s.lastRoleMu.Unlock()
	if role == "Leader" && s.lastRole != "Leader" {
		s.metrics.leaderElected.Inc()
	}
	s.lastRole = role
}

func (s *Server) handleReplicate(c *gin.Context) {
	var entry raftmsg.Entry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Reason: "malformed request"})
		return
	}
	if err := s.Replicator.ReplicateOne(entry); err != nil {
		c.JSON(http.StatusConflict, FailureResponse{Reason: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Reason: "malformed request"})
		return
	}
	entries, err := s.Log.RangeRaw(req.After, math.MaxInt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, FailureResponse{Reason: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SyncResponse{Entries: entries})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRequestVote(c *gin.Context) {
	var args raft.RequestVoteArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Reason: "malformed request"})
		return
	}
	reply, err := s.Consensus.RequestVote(args)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, FailureResponse{Reason: "persistence_fatal"})
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleAppendEntries(c *gin.Context) {
	var args raft.AppendEntriesArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Reason: "malformed request"})
		return
	}
	reply, err := s.Consensus.AppendEntries(args)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, FailureResponse{Reason: "persistence_fatal"})
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleTimeNow(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"t": s.Time.Now()})
}

func (s *Server) handleTimeSync(c *gin.Context) {
	var req TimeSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Reason: "malformed request"})
		return
	}
	t2 := s.Time.Now()
	// t3 is read right after t2, before gin writes the body, so it
	// slightly precedes the actual send time.
	c.JSON(http.StatusOK, TimeSyncResponse{T2: t2, T3: s.Time.Now()})
}

func (s *Server) handleTimeCorrect(c *gin.Context) {
	var req TimeCorrectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Reason: "malformed request"})
		return
	}
	corrected, err := s.Time.Correct(req.TsRaw, req.DeltaT)
	if err != nil {
		if errors.Is(err, timesync.ErrInvalidTimestamp) {
			c.JSON(http.StatusBadRequest, FailureResponse{Reason: "invalid_timestamp"})
			return
		}
		c.JSON(http.StatusInternalServerError, FailureResponse{Reason: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TimeCorrectResponse{CorrectedTs: corrected})
}

func (s *Server) handleTimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Time.Stats())
}

func (s *Server) handleOrderingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Ordering.Status(5))
}

func (s *Server) handleForceDelivery(c *gin.Context) {
	released := s.Ordering.ForceDelivery()
	s.metrics.forceDelivered.Add(float64(released))
	c.JSON(http.StatusOK, ForceDeliveryResponse{Released: released})
}
