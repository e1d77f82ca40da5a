package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/crucible/internal/graph"
	"github.com/danshapiro/crucible/internal/llm"
	"github.com/danshapiro/crucible/internal/pipeline"
	"github.com/danshapiro/crucible/internal/ports"
	"github.com/danshapiro/crucible/internal/store"
)

const testSupReply = `{"specification":"a 50mm cube","key_constraints":[],` +
	`"critical_dimensions":{"side_length":50}}`

const testJudgeReply = `{"llm_score": 90, "text_similarity": 80,` +
	`"geometric_accuracy": 90, "manufacturing_viability": 85, "reasoning": "scored"}`

const testLearnReply = `{"patterns":["p"]}`

func newTestServer(t *testing.T, approval bool) (*httptest.Server, *llm.Scripted, *store.MemoryStore) {
	t.Helper()
	script := llm.NewScripted()
	st := store.NewMemoryStore()

	cfg := pipeline.Config{
		SupervisorModel:       "sup",
		JudgeModel:            "judge",
		MergerModel:           "mrg",
		ProposalAgents:        []pipeline.AgentSpec{{Model: "m1"}},
		MaxRounds:             1,
		FidelityThreshold:     pipeline.Float64(50),
		HumanApprovalRequired: approval,
		PoolSize:              1,
	}
	srv := New(Deps{
		Config: cfg,
		Client: llm.NewClient(script, time.Second),
		Collab: pipeline.Collaborators{
			Sandbox:  &ports.SimulatedSandbox{},
			Analyzer: &ports.SimulatedAnalyzer{Default: ports.GeometryMetrics{
				IsWatertight: true,
				Volume:       125000,
				BoundingBox:  [3]float64{50, 50, 50},
			}},
			DFM:   &ports.SimulatedDFM{},
			FEA:   &ports.SimulatedFEA{},
			Vault: &ports.MemoryVault{},
		},
		Store:        st,
		Checkpointer: graph.NewMemoryCheckpointer[pipeline.State](),
	}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, script, st
}

func queueHappyPath(script *llm.Scripted) {
	script.QueueText("sup", testSupReply, testLearnReply)
	script.Queue("m1", llm.ToolUseResponse("t1", "run_sandbox", map[string]any{"code": "cube(50)"}))
	script.QueueText("m1", "submitted")
	script.QueueText("judge", testJudgeReply)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func waitForStatus(t *testing.T, url, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		doc := decodeBody(t, resp)
		return doc["status"] == want
	}, 3*time.Second, 10*time.Millisecond, "design never reached status %q", want)
}

func TestServerRunToCompletion(t *testing.T) {
	ts, script, _ := newTestServer(t, false)
	queueHappyPath(script)

	resp := postJSON(t, ts.URL+"/designs", map[string]any{"prompt": "a 50mm cube"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := decodeBody(t, resp)["id"].(string)
	require.NotEmpty(t, id)
	assert.True(t, strings.HasPrefix(id, "dsg_"))

	waitForStatus(t, ts.URL+"/designs/"+id, "completed")

	// The design shows up in the listing.
	listResp, err := http.Get(ts.URL + "/designs")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list []json.RawMessage
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	assert.Len(t, list, 1)

	// The finished stream replays its history and terminates.
	evResp, err := http.Get(ts.URL + "/designs/" + id + "/events")
	require.NoError(t, err)
	body, err := io.ReadAll(evResp.Body)
	require.NoError(t, err)
	evResp.Body.Close()
	assert.Equal(t, "text/event-stream", evResp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "event: status:started\n")
	assert.Contains(t, string(body), "event: status:completed\n")
	assert.True(t, strings.HasSuffix(string(body), "event: done\ndata: {}\n\n"))
}

func TestServerApprovalFlow(t *testing.T) {
	ts, script, _ := newTestServer(t, true)
	queueHappyPath(script)

	resp := postJSON(t, ts.URL+"/designs", map[string]any{"prompt": "a 50mm cube"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := decodeBody(t, resp)["id"].(string)

	waitForStatus(t, ts.URL+"/designs/"+id, "awaiting_approval")

	resp = postJSON(t, ts.URL+"/designs/"+id+"/approval", map[string]any{"approved": true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	waitForStatus(t, ts.URL+"/designs/"+id, "completed")

	// A second approval finds nothing suspended.
	resp = postJSON(t, ts.URL+"/designs/"+id+"/approval", map[string]any{"approved": true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestServerRejectionFailsDesign(t *testing.T) {
	ts, script, _ := newTestServer(t, true)
	script.QueueText("sup", testSupReply)
	script.Queue("m1", llm.ToolUseResponse("t1", "run_sandbox", map[string]any{"code": "cube(50)"}))
	script.QueueText("m1", "submitted")
	script.QueueText("judge", testJudgeReply)

	resp := postJSON(t, ts.URL+"/designs", map[string]any{"prompt": "a 50mm cube"})
	id, _ := decodeBody(t, resp)["id"].(string)
	waitForStatus(t, ts.URL+"/designs/"+id, "awaiting_approval")

	resp = postJSON(t, ts.URL+"/designs/"+id+"/approval", map[string]any{
		"approved": false,
		"feedback": "wrong dimensions",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	waitForStatus(t, ts.URL+"/designs/"+id, "failed")
}

func TestServerValidation(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	resp, err := http.Post(ts.URL+"/designs", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	for _, path := range []string{
		"/designs/dsg_missing",
		"/designs/dsg_missing/events",
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		resp.Body.Close()
	}

	for _, path := range []string{
		"/designs/dsg_missing/approval",
		"/designs/dsg_missing/cancel",
	} {
		resp := postJSON(t, ts.URL+path, map[string]any{})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestServerCancelIsIdempotent(t *testing.T) {
	// No scripted replies: every model call fails, so the run winds down
	// on its own. The test only cares about the cancel endpoint contract.
	ts, _, _ := newTestServer(t, false)

	resp := postJSON(t, ts.URL+"/designs", map[string]any{"prompt": "a 50mm cube"})
	id, _ := decodeBody(t, resp)["id"].(string)

	for i := 0; i < 2; i++ {
		cresp := postJSON(t, ts.URL+"/designs/"+id+"/cancel", map[string]any{})
		assert.Equal(t, http.StatusAccepted, cresp.StatusCode)
		cresp.Body.Close()
	}

	// Whatever the race outcome, the design never completes successfully.
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/designs/" + id)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		if r.StatusCode != http.StatusOK {
			// Cancelled before the first persist; nothing stored is fine.
			return true
		}
		var doc map[string]any
		if json.NewDecoder(r.Body).Decode(&doc) != nil {
			return false
		}
		return doc["status"] == "failed" || doc["status"] != "completed"
	}, 3*time.Second, 10*time.Millisecond)
}
