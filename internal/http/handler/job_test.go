package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stagegraph.app/planner/internal/http/handler"
	"stagegraph.app/planner/internal/http/middleware"
	"stagegraph.app/planner/internal/http/router"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/service"
)

var _ = Describe("JobHandler", func() {
	var (
		engine *gin.Engine
		svc    *mockJobService
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		engine = gin.New()
		engine.Use(middleware.Recovery())
		svc = &mockJobService{}

		v1 := engine.Group("/api/v1")
		v1.Use(middleware.TraceID("X-Trace-Id"))
		router.JobRouter(v1, handler.NewJobHandler(svc))
	})

	do := func(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	decode := func(w *httptest.ResponseRecorder) map[string]any {
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		return resp
	}

	Describe("PlanStage", func() {
		validBody := map[string]any{
			"project_id":       "proj-1",
			"session_id":       "sess-1",
			"stage_slug":       "thesis",
			"iteration_number": 1,
			"model_id":         "model-a",
		}

		It("returns 202 with the root job and forwards the trace header", func() {
			var got service.StagePlanParams
			svc.planStageFn = func(_ context.Context, p service.StagePlanParams) (*model.Job, error) {
				got = p
				return &model.Job{
					ID:              42,
					SessionID:       p.SessionID,
					StageSlug:       p.StageSlug,
					IterationNumber: p.IterationNumber,
					JobType:         model.JobTypePlan,
					Status:          model.JobStatusPending,
					CreatedAt:       time.Now(),
					UpdatedAt:       time.Now(),
				}, nil
			}

			w := do(http.MethodPost, "/api/v1/stages/plan", validBody, map[string]string{"X-Trace-Id": "abc123"})

			Expect(w.Code).To(Equal(http.StatusAccepted))
			resp := decode(w)
			Expect(resp["id"]).To(BeEquivalentTo(42))
			Expect(resp["status"]).To(Equal("pending"))
			Expect(resp).NotTo(HaveKey("payload"))
			Expect(got.TraceID).NotTo(BeNil())
			Expect(*got.TraceID).To(Equal("abc123"))
			Expect(w.Header().Get("X-Trace-Id")).To(Equal("abc123"))
		})

		It("returns 400 when required fields are missing", func() {
			w := do(http.MethodPost, "/api/v1/stages/plan", map[string]any{"session_id": "sess-1"}, nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 for unknown stages", func() {
			svc.planStageFn = func(context.Context, service.StagePlanParams) (*model.Job, error) {
				return nil, fmt.Errorf("%w: no recipe for stage", service.ErrInvalidRequest)
			}
			w := do(http.MethodPost, "/api/v1/stages/plan", validBody, nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 409 while the stage is already planning", func() {
			svc.planStageFn = func(context.Context, service.StagePlanParams) (*model.Job, error) {
				return nil, service.ErrStageInProgress
			}
			w := do(http.MethodPost, "/api/v1/stages/plan", validBody, nil)
			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("returns 500 on store failures", func() {
			svc.planStageFn = func(context.Context, service.StagePlanParams) (*model.Job, error) {
				return nil, errors.New("connection refused")
			}
			w := do(http.MethodPost, "/api/v1/stages/plan", validBody, nil)
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
			Expect(decode(w)["error"]).To(Equal("failed to plan stage"))
		})
	})

	Describe("Get", func() {
		It("returns the job with its payload and recipe step", func() {
			parent := int64(7)
			svc.getFn = func(_ context.Context, jobID int64) (*model.Job, error) {
				return &model.Job{
					ID:          jobID,
					ParentJobID: &parent,
					JobType:     model.JobTypeExecute,
					Status:      model.JobStatusCompleted,
					Payload: &model.ExecutePayload{
						PlannerMetadata: model.PlannerMetadata{RecipeStepID: "draft"},
						DocumentKey:     "business_case",
					},
				}, nil
			}

			w := do(http.MethodGet, "/api/v1/jobs/99", nil, nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["recipe_step_id"]).To(Equal("draft"))
			Expect(resp["parent_job_id"]).To(BeEquivalentTo(7))
			Expect(resp["payload"]).To(HaveKeyWithValue("document_key", "business_case"))
		})

		It("returns 404 for unknown jobs", func() {
			w := do(http.MethodGet, "/api/v1/jobs/99", nil, nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for malformed ids", func() {
			w := do(http.MethodGet, "/api/v1/jobs/abc", nil, nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("List", func() {
		It("parses filters from the query string", func() {
			var got service.JobQuery
			svc.listFn = func(_ context.Context, q service.JobQuery) ([]*model.Job, error) {
				got = q
				return []*model.Job{{ID: 1, JobType: model.JobTypePlan, Status: model.JobStatusFailed}}, nil
			}

			w := do(http.MethodGet, "/api/v1/jobs?session_id=sess-1&stage_slug=thesis&iteration=2&status=failed,%20pending&job_type=plan&parent_job_id=5", nil, nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(got.SessionID).To(Equal("sess-1"))
			Expect(got.StageSlug).To(Equal("thesis"))
			Expect(got.IterationNumber).To(Equal(2))
			Expect(got.Statuses).To(Equal([]model.JobStatus{model.JobStatusFailed, model.JobStatusPending}))
			Expect(got.JobTypes).To(Equal([]model.JobType{model.JobTypePlan}))
			Expect(*got.ParentJobID).To(Equal(int64(5)))
			Expect(decode(w)["jobs"]).To(HaveLen(1))
		})

		It("returns 400 when the service rejects the query", func() {
			svc.listFn = func(context.Context, service.JobQuery) ([]*model.Job, error) {
				return nil, fmt.Errorf("%w: session_id is required", service.ErrInvalidRequest)
			}
			w := do(http.MethodGet, "/api/v1/jobs", nil, nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 for a malformed iteration", func() {
			w := do(http.MethodGet, "/api/v1/jobs?session_id=sess-1&iteration=first", nil, nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Summary", func() {
		It("returns the stage counts", func() {
			svc.summaryFn = func(_ context.Context, sessionID, stageSlug string, iteration int) (*service.StageSummary, error) {
				return &service.StageSummary{
					SessionID:       sessionID,
					StageSlug:       stageSlug,
					IterationNumber: iteration,
					Total:           3,
					ByStatus:        map[model.JobStatus]int{model.JobStatusCompleted: 3},
					Done:            true,
				}, nil
			}

			w := do(http.MethodGet, "/api/v1/sessions/sess-1/stages/thesis/iterations/1", nil, nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["done"]).To(BeTrue())
			Expect(resp["by_status"]).To(HaveKeyWithValue("completed", BeEquivalentTo(3)))
		})
	})
})
