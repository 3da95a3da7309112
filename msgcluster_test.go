// Scenario tests driving a real multi-node cluster over loopback HTTP,
// covering the end-to-end behaviors aecra-raft's cluster_test.go checked
// in-process: election/commit, leader redirect, failover, quorum
// unavailability, dedup, and reorder-on-delivery. Rejoin catch-up is
// covered only by catchup's unit tests.
package msgcluster_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aecra/msgcluster/internal/testcluster"
	"github.com/aecra/msgcluster/raftmsg"
)

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := testcluster.HTTPClient().Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func findLeader(t *testing.T, urls []string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, u := range urls {
			resp, err := testcluster.HTTPClient().Get(u + "/status")
			if err != nil {
				continue
			}
			var status struct {
				Role string `json:"role"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&status)
			resp.Body.Close()
			if status.Role == "Leader" {
				return u
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no leader found")
	return ""
}

func TestBasicSendIsCommittedAndReadable(t *testing.T) {
	c, err := testcluster.New(3, "async", 0)
	require.NoError(t, err)
	defer c.Close()

	urls := c.URLs
	leader := findLeader(t, urls)

	resp, body := postJSON(t, leader+"/send", map[string]interface{}{
		"payload": []byte("hello"),
		"sender":  "alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sendResp struct {
		Seq uint64 `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(body, &sendResp))
	require.Equal(t, uint64(1), sendResp.Seq)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := testcluster.HTTPClient().Get(leader + "/messages?sender=alice")
		require.NoError(t, err)
		var out struct {
			Messages []raftmsg.Message `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&out)
		r.Body.Close()
		if len(out.Messages) > 0 {
			require.Equal(t, uint64(1), out.Messages[0].Seq)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("committed message never became readable on GET /messages")
}

func TestSendOnFollowerRedirectsToLeader(t *testing.T) {
	c, err := testcluster.New(3, "async", 0)
	require.NoError(t, err)
	defer c.Close()

	urls := c.URLs
	leader := findLeader(t, urls)

	var follower string
	for _, u := range urls {
		if u != leader {
			follower = u
			break
		}
	}

	client := &http.Client{
		Timeout: time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	raw, _ := json.Marshal(map[string]interface{}{"payload": []byte("hi")})
	resp, err := client.Post(follower+"/send", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
}

func TestSyncQuorumSendCommitsAcrossCluster(t *testing.T) {
	c, err := testcluster.New(3, "sync_quorum", 2)
	require.NoError(t, err)
	defer c.Close()

	urls := c.URLs
	leader := findLeader(t, urls)

	resp, _ := postJSON(t, leader+"/send", map[string]interface{}{"payload": []byte("q"), "sender": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQuorumFailureReturns503WhenFollowersDown(t *testing.T) {
	c, err := testcluster.New(3, "sync_quorum", 2)
	require.NoError(t, err)
	defer c.Close()

	urls := c.URLs
	leader := findLeader(t, urls)

	for i, u := range urls {
		if u == leader {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, c.Nodes[i].Stop(ctx))
		cancel()
	}

	resp, body := postJSON(t, leader+"/send", map[string]interface{}{"payload": []byte("p"), "sender": "quorum-test"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var failure struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(body, &failure))
	require.Equal(t, "quorum_unreachable", failure.Reason)
}

func TestReorderedDeliveryIsObservableOverAPI(t *testing.T) {
	c, err := testcluster.New(3, "async", 0)
	require.NoError(t, err)
	defer c.Close()

	urls := c.URLs
	leader := findLeader(t, urls)

	const sender = "reorder-sender"
	laterTs := 2_000_000_000.0
	earlierTs := laterTs - 50

	respA, rawA := postJSON(t, leader+"/send", map[string]interface{}{
		"payload": []byte("first-committed"), "sender": sender, "original_ts": laterTs,
	})
	require.Equal(t, http.StatusOK, respA.StatusCode)
	respB, rawB := postJSON(t, leader+"/send", map[string]interface{}{
		"payload": []byte("second-committed"), "sender": sender, "original_ts": earlierTs,
	})
	require.Equal(t, http.StatusOK, respB.StatusCode)

	var sendA, sendB struct {
		Seq uint64 `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(rawA, &sendA))
	require.NoError(t, json.Unmarshal(rawB, &sendB))
	require.Equal(t, uint64(1), sendA.Seq)
	require.Equal(t, uint64(2), sendB.Seq)

	var messages []raftmsg.Message
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := testcluster.HTTPClient().Get(leader + "/messages?sender=" + sender)
		require.NoError(t, err)
		var out struct {
			Messages []raftmsg.Message `json:"messages"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if len(out.Messages) == 2 {
			messages = out.Messages
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Len(t, messages, 2, "both messages should eventually be delivered")

	// Despite committing (seq) after the first message, the second
	// message's earlier corrected_ts must still be reported correctly:
	// this is what lets a reader detect that delivery happened
	// out of commit order.
	require.Less(t, messages[1].CorrectedTs, messages[0].CorrectedTs)

	resp, err := testcluster.HTTPClient().Get(leader + "/status")
	require.NoError(t, err)
	var status struct {
		Ordering struct {
			ReorderCnt int `json:"reorder_count"`
		} `json:"ordering"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	require.GreaterOrEqual(t, status.Ordering.ReorderCnt, 1)
}

func TestDuplicateMsgIDReturnsSameCommitRecord(t *testing.T) {
	c, err := testcluster.New(3, "async", 0)
	require.NoError(t, err)
	defer c.Close()

	urls := c.URLs
	leader := findLeader(t, urls)

	body := map[string]interface{}{"payload": []byte("x"), "sender": "carol", "msg_id": "fixed-id"}
	_, raw1 := postJSON(t, leader+"/send", body)
	_, raw2 := postJSON(t, leader+"/send", body)

	var r1, r2 struct {
		Seq uint64 `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(raw1, &r1))
	require.NoError(t, json.Unmarshal(raw2, &r2))
	require.Equal(t, r1.Seq, r2.Seq)
}

func TestMessagesEndpointEventuallyListsSentMessage(t *testing.T) {
	c, err := testcluster.New(3, "async", 0)
	require.NoError(t, err)
	defer c.Close()

	urls := c.URLs
	leader := findLeader(t, urls)

	postJSON(t, leader+"/send", map[string]interface{}{"payload": []byte("y"), "sender": "dave", "recipient": "erin"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := testcluster.HTTPClient().Get(leader + "/messages?sender=dave")
		require.NoError(t, err)
		var out struct {
			Messages []map[string]interface{} `json:"messages"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if len(out.Messages) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("message never became visible on GET /messages")
}

func TestLeaderFailoverElectsNewLeader(t *testing.T) {
	c, err := testcluster.New(3, "async", 0)
	require.NoError(t, err)
	defer c.Close()

	urls := c.URLs
	leader := findLeader(t, urls)

	var leaderIdx int
	for i, u := range urls {
		if u == leader {
			leaderIdx = i
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, c.Nodes[leaderIdx].Stop(ctx))
	cancel()

	var remaining []string
	for i, u := range urls {
		if i != leaderIdx {
			remaining = append(remaining, u)
		}
	}
	newLeader := findLeader(t, remaining)
	require.NotEqual(t, leader, newLeader)
}

func TestStatusEndpointReportsPeerHealth(t *testing.T) {
	c, err := testcluster.New(3, "async", 0)
	require.NoError(t, err)
	defer c.Close()

	urls := c.URLs
	leader := findLeader(t, urls)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := testcluster.HTTPClient().Get(leader + "/status")
		require.NoError(t, err)
		var status struct {
			Peers map[string]struct {
				Alive bool `json:"alive"`
			} `json:"peers"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if len(status.Peers) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("status never reported both peers")
}
