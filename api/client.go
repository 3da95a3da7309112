package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aecra/msgcluster/raft"
	"github.com/aecra/msgcluster/raftmsg"
)

// Client issues the outbound half of every RPC in spec §6 against a peer
// URL. One Client is shared by the consensus module, failure detector,
// time-sync subsystem, and catch-up runner.
type Client struct {
	HTTP *http.Client
}

// NewClient builds a Client whose outbound calls are bounded by timeout,
// per spec §5: every outbound RPC has a bounded deadline shorter than the
// election timeout (for AppendEntries/RequestVote) or the client wait
// (for replication).
func NewClient(timeout time.Duration) *Client {
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("transient_network: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("transient_network: peer returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RequestVote implements raft.Transport.
func (c *Client) RequestVote(peer string, args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	ctx, cancel := context.WithTimeout(context.Background(), c.HTTP.Timeout)
	defer cancel()
	err := c.postJSON(ctx, peer+"/request_vote", args, &reply)
	return reply, err
}

// AppendEntries implements raft.Transport.
func (c *Client) AppendEntries(peer string, args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	ctx, cancel := context.WithTimeout(context.Background(), c.HTTP.Timeout)
	defer cancel()
	err := c.postJSON(ctx, peer+"/append_entries", args, &reply)
	return reply, err
}

// Sync implements catchup.Fetcher against POST /sync.
func (c *Client) Sync(peer string, after uint64) ([]raftmsg.Entry, error) {
	var resp SyncResponse
	ctx, cancel := context.WithTimeout(context.Background(), c.HTTP.Timeout)
	defer cancel()
	err := c.postJSON(ctx, peer+"/sync", SyncRequest{After: after}, &resp)
	return resp.Entries, err
}

// TimeExchange implements timesync.Exchanger against POST /time/sync.
func (c *Client) TimeExchange(peer string, t1 float64) (t2, t3 float64, err error) {
	var resp TimeSyncResponse
	ctx, cancel := context.WithTimeout(context.Background(), c.HTTP.Timeout)
	defer cancel()
	err = c.postJSON(ctx, peer+"/time/sync", TimeSyncRequest{T1: t1}, &resp)
	return resp.T2, resp.T3, err
}

// Probe implements failure.Prober against GET /heartbeat.
func (c *Client) Probe(peer string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.HTTP.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("transient_network: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transient_network: heartbeat returned %d", resp.StatusCode)
	}
	return nil
}
