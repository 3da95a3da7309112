// Package testcluster spins up several node.Node instances wired over
// real HTTP loopback listeners, for use by integration tests exercising
// spec §8's scenarios end to end. It generalizes aecra-raft's
// cluster/cluster.go (which wires N in-process ConsensusModules together
// over net/rpc) to this module's HTTP-only peer wiring.
package testcluster

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/aecra/msgcluster/node"
)

// Cluster is a set of nodes, each listening on a distinct loopback port.
type Cluster struct {
	Nodes []*node.Node
	URLs  []string
	dirs  []string
}

// New starts n nodes with the given replication mode, wired to each
// other's loopback addresses, and waits briefly for them to come up.
func New(n int, replicationMode string, quorum int) (*Cluster, error) {
	ports := make([]int, n)
	urls := make([]string, n)
	for i := 0; i < n; i++ {
		port, err := freePort()
		if err != nil {
			return nil, err
		}
		ports[i] = port
		urls[i] = fmt.Sprintf("http://127.0.0.1:%d", port)
	}

	c := &Cluster{URLs: urls}
	for i := 0; i < n; i++ {
		peers := make([]string, 0, n-1)
		for j, u := range urls {
			if j != i {
				peers = append(peers, u)
			}
		}

		dir, err := os.MkdirTemp("", "msgcluster-testnode-*")
		if err != nil {
			return nil, err
		}
		c.dirs = append(c.dirs, dir)

		logger := zerolog.New(zerolog.NewConsoleWriter()).Level(zerolog.WarnLevel)
		cfg := node.Config{
			ID:              urls[i],
			Host:            "127.0.0.1",
			Port:            ports[i],
			Peers:           peers,
			ReplicationMode: replicationMode,
			Quorum:          quorum,
			DataDir:         dir,
			RPCTimeout:      200 * time.Millisecond,
			QuorumTimeout:   2 * time.Second,
			FailureInterval: 100 * time.Millisecond,
			OrderingTick:    20 * time.Millisecond,
			HoldBack:        150 * time.Millisecond,
		}
		nd, err := node.New(cfg, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Nodes = append(c.Nodes, nd)
	}

	for _, nd := range c.Nodes {
		nd := nd
		go func() { _ = nd.Start() }()
	}

	// Give listeners a moment to bind before the caller starts issuing
	// requests against them.
	time.Sleep(100 * time.Millisecond)
	return c, nil
}

// Close stops every node and removes its data directory.
func (c *Cluster) Close() {
	for _, nd := range c.Nodes {
		ctx, cancel := timeoutCtx()
		_ = nd.Stop(ctx)
		cancel()
	}
	for _, d := range c.dirs {
		os.RemoveAll(d)
	}
}

func timeoutCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Second)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// httpClient is a short-timeout client tests can reuse to poll nodes. Its
// timeout exceeds the 2s QuorumTimeout set in New, so a sync_quorum send
// that times out still returns its 503 to the caller.
var httpClient = &http.Client{Timeout: 3 * time.Second}

// HTTPClient returns a shared client suitable for scenario tests.
func HTTPClient() *http.Client { return httpClient }
