package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"skeenode/pkg/api"
	"skeenode/pkg/api/middleware"
	"skeenode/pkg/events"
	"skeenode/pkg/jobs"
	"skeenode/pkg/pipeline"
	"skeenode/pkg/storage/postgres"
	"skeenode/pkg/storage/redis"
)

// IntegrationTestSuite exercises the job queue and pipeline engine against a
// real Postgres and Redis, the way the teacher's integration suite does.
type IntegrationTestSuite struct {
	suite.Suite
	router        *gin.Engine
	jobStore      *postgres.JobStore
	pipelineStore *postgres.PipelineStore
	bus           *redis.EventBus
}

func (s *IntegrationTestSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}

	gin.SetMode(gin.TestMode)

	dbHost := getEnv("TEST_DB_HOST", "localhost")
	dbPort := getEnv("TEST_DB_PORT", "5432")
	dbUser := getEnv("TEST_DB_USER", "orchestrator")
	dbPass := getEnv("TEST_DB_PASS", "password")
	dbName := getEnv("TEST_DB_NAME", "orchestrator_test")

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		dbHost, dbPort, dbUser, dbPass, dbName,
	)

	jobStore, err := postgres.NewJobStore(connStr)
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	s.jobStore = jobStore

	pipelineStore, err := postgres.NewPipelineStore(connStr)
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	s.pipelineStore = pipelineStore

	redisAddr := fmt.Sprintf("%s:%s",
		getEnv("TEST_REDIS_HOST", "localhost"),
		getEnv("TEST_REDIS_PORT", "6379"),
	)
	bus, err := redis.NewEventBus(redisAddr)
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	s.bus = bus

	publisher := events.NewPublisher(bus)

	registry := jobs.NewRegistry()
	registry.RegisterHandler("shell", jobs.NewShellHandler(nil))

	retryCfg := jobs.RetryConfig{MaxAttempts: 3, InitialBackoffMs: 100, MaxBackoffMs: 1000, BackoffMultiplier: 2}
	scheduler := jobs.NewScheduler(jobStore, registry, publisher, jobs.Config{
		PollInterval:    50 * time.Millisecond,
		ShutdownTimeout: time.Second,
		Concurrency:     jobs.ConcurrencyConfig{Global: 4},
		Timeouts:        jobs.TimeoutConfig{Default: 5000},
	}, retryCfg)

	ctx, cancel := context.WithCancel(context.Background())
	s.T().Cleanup(cancel)
	go scheduler.Run(ctx)

	jobService := jobs.NewService(jobStore, scheduler, publisher, retryCfg)
	engine := pipeline.NewEngine(pipelineStore, publisher, nil)

	validatorCfg := middleware.DefaultValidatorConfig()
	validatorCfg.AllowedJobTypes = []string{"shell"}

	server := api.NewServer(api.Config{
		Port:      "0",
		Jobs:      jobService,
		Pipelines: engine,
		Validator: middleware.NewValidator(validatorCfg),
	})
	s.router = server.Router()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.jobStore != nil {
		s.jobStore.Close()
	}
	if s.pipelineStore != nil {
		s.pipelineStore.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
}

// TestJobLifecycle drives a shell job through create -> poll -> completion
// via the HTTP gateway, the same way a client of this system would.
func (s *IntegrationTestSuite) TestJobLifecycle() {
	body := map[string]interface{}{
		"type": "shell",
		"name": "integration-test-job",
		"input": map[string]interface{}{
			"command": "echo",
			"args":    []string{"hello"},
		},
	}

	w := s.makeRequest(http.MethodPost, "/api/v1/jobs", body)
	require.Equal(s.T(), http.StatusCreated, w.Code)

	var created jobs.Job
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(s.T(), "shell", created.Type)

	var final jobs.Job
	require.Eventually(s.T(), func() bool {
		w := s.makeRequest(http.MethodGet, "/api/v1/jobs/"+created.ID.String(), nil)
		if w.Code != http.StatusOK {
			return false
		}
		_ = json.Unmarshal(w.Body.Bytes(), &final)
		return final.Status == jobs.StatusCompleted || final.Status == jobs.StatusFailed
	}, 5*time.Second, 100*time.Millisecond, "job never reached a terminal state")

	assert.Equal(s.T(), jobs.StatusCompleted, final.Status)
}

// TestInvalidJobTypeRejected verifies the validator, wired through the API
// layer, rejects job types outside the deployment's allow-list.
func (s *IntegrationTestSuite) TestInvalidJobTypeRejected() {
	body := map[string]interface{}{"type": "not-registered", "name": "bad-job"}
	w := s.makeRequest(http.MethodPost, "/api/v1/jobs", body)
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)
}

// TestCancelPendingJob exercises the cancel endpoint on a freshly created
// job whose command sleeps long enough that it has not finished (it is
// still pending or already running) when cancellation is requested.
func (s *IntegrationTestSuite) TestCancelPendingJob() {
	body := map[string]interface{}{
		"type": "shell",
		"name": "cancel-test-job",
		"input": map[string]interface{}{
			"command": "sleep",
			"args":    []string{"30"},
		},
	}
	w := s.makeRequest(http.MethodPost, "/api/v1/jobs", body)
	require.Equal(s.T(), http.StatusCreated, w.Code)

	var created jobs.Job
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &created))

	w = s.makeRequest(http.MethodPost, "/api/v1/jobs/"+created.ID.String()+"/cancel", map[string]string{"reason": "no longer needed"})
	assert.Equal(s.T(), http.StatusOK, w.Code)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (s *IntegrationTestSuite) makeRequest(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody []byte
	if body != nil {
		reqBody, _ = json.Marshal(body)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
