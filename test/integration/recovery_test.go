// ============================================================================
// stagecoach 端到端恢復測試
// ============================================================================
//
// 測試目標:
//   透過 HTTP 與 gRPC 兩個邊界驅動任務，重啟後驗證狀態完整：
//   1. HTTP 提交進度
//   2. gRPC 發出 callback token，worker handler 經 gRPC 兌換
//   3. 關閉後重新啟動，快照 + WAL 恢復所有任務與 token 狀態
//   4. 已兌換的 token 重啟後仍然不可再用
//
// ============================================================================

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/api"
	"github.com/ChuLiYu/stagecoach/internal/cli"
	"github.com/ChuLiYu/stagecoach/internal/config"
	"github.com/ChuLiYu/stagecoach/internal/dispatch"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/server"
	"github.com/ChuLiYu/stagecoach/internal/stage"
	"github.com/ChuLiYu/stagecoach/internal/tokens"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(dir, "none.yaml"))
	require.NoError(t, err)
	cfg.Storage.WALPath = filepath.Join(dir, "stagecoach.wal")
	cfg.Storage.SnapshotPath = filepath.Join(dir, "snapshot.json")
	cfg.Storage.SnapshotInterval = time.Hour
	cfg.Auth.Token = "integration"
	cfg.Orchestrator.DeferredPoll = 5 * time.Millisecond
	cfg.Orchestrator.Backoff = time.Millisecond
	return cfg
}

// node is one running coordinator with both boundaries up.
type node struct {
	app    *cli.App
	http   *httptest.Server
	client *server.Client
	stop   func()
}

func startNode(t *testing.T, cfg *config.Config) *node {
	t.Helper()
	gin.SetMode(gin.TestMode)

	app, err := cli.NewApp(context.Background(), cfg)
	require.NoError(t, err)

	httpSrv := httptest.NewServer(api.NewRouter(api.NewHandler(app.Coordinator), api.Options{Authorizer: app.Authorizer}))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcSrv := server.NewGRPCServer(app.Coordinator, app.Authorizer)
	go func() { _ = grpcSrv.Serve(lis) }()

	client, err := server.Dial(lis.Addr().String(), nil, server.WithCredential(cfg.Auth.Token))
	require.NoError(t, err)

	n := &node{app: app, http: httpSrv, client: client}
	n.stop = func() {
		_ = client.Close()
		grpcSrv.GracefulStop()
		httpSrv.Close()
		require.NoError(t, app.Close())
	}
	return n
}

func (n *node) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, n.http.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer integration")
	resp, err := n.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEndToEndRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	ctx := context.Background()

	// ========== 第一階段: 正常運行 ==========
	n1 := startNode(t, cfg)

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("J%d", i)
		resp := n1.post(t, "/api/v1/pipelines/map-async/progress",
			map[string]any{"id": id, "stage": "Submitted", "status": "submitted", "percentage": 10})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// unauthenticated calls are refused at both boundaries
	req, _ := http.NewRequest(http.MethodPost, n1.http.URL+"/api/v1/route", bytes.NewReader([]byte(`{}`)))
	resp, err := n1.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// J1..J3 complete their deferred stage through a worker redeeming over gRPC
	worker := dispatch.NewHandler(n1.client)
	var redeemed []string
	for _, id := range []string{"J1", "J2", "J3"} {
		iss, err := n1.client.IssueToken(ctx, server.IssueTokenRequest{Pipeline: pipeline.MapAsync, ID: id, Stage: "Processing", Work: "echo"})
		require.NoError(t, err)
		require.NoError(t, worker.Run(ctx, stage.WorkItem{
			Token: iss.Token, WorkID: iss.WorkID, JobID: iss.JobID, Pipeline: pipeline.MapAsync,
			Stage: iss.Stage, Work: iss.Work, Input: map[string]any{"message": "processed " + id},
		}))
		redeemed = append(redeemed, iss.Token)
	}

	// J4 has a token outstanding across the restart
	pending, err := n1.client.IssueToken(ctx, server.IssueTokenRequest{Pipeline: pipeline.MapAsync, ID: "J4", Stage: "Processing", Work: "echo"})
	require.NoError(t, err)

	n1.stop()

	// ========== 第二階段: 重啟恢復 ==========
	n2 := startNode(t, cfg)
	defer n2.stop()

	for _, id := range []string{"J1", "J2", "J3"} {
		job, err := n2.client.GetJob(ctx, server.GetJobRequest{Pipeline: pipeline.MapAsync, ID: id, History: true})
		require.NoError(t, err)
		assert.Equal(t, types.StageName("Processing"), job.Snapshot.Stage, id)
		assert.Equal(t, "processed "+id, job.Snapshot.Message, id)
		assert.Len(t, job.Events, 2, id)
	}
	for _, id := range []string{"J4", "J5"} {
		job, err := n2.client.GetJob(ctx, server.GetJobRequest{Pipeline: pipeline.MapAsync, ID: id})
		require.NoError(t, err)
		assert.Equal(t, types.StageName("Submitted"), job.Snapshot.Stage, id)
	}

	// redeemed tokens stay spent
	for _, tok := range redeemed {
		assert.ErrorIs(t, n2.client.Redeem(ctx, tok, nil), tokens.ErrAlreadyRedeemed)
	}
	// the outstanding one still works exactly once
	require.NoError(t, n2.client.Redeem(ctx, pending.Token, map[string]any{"message": "late"}))
	assert.ErrorIs(t, n2.client.Redeem(ctx, pending.Token, nil), tokens.ErrAlreadyRedeemed)

	// and the orchestrator resumes every job after its last stage
	o := n2.app.NewOrchestrator()
	for _, id := range []string{"J1", "J4", "J5"} {
		rep, err := o.Run(ctx, types.JobID(id), pipeline.MapAsync, map[string]any{"message": "resumed"})
		require.NoError(t, err, id)
		assert.Equal(t, types.StageName("Done"), rep.Snapshot.Stage, id)
		assert.True(t, rep.Stages[0].Skipped, id)
	}
}
