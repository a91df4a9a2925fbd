package memstore_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/store"
	"stagegraph.app/planner/internal/store/memstore"
)

func newJob(jobID int64, jobType model.JobType, status model.JobStatus, parent, prerequisite *int64) *model.Job {
	jc := model.JobContext{ProjectID: "proj-1", SessionID: "sess-1", StageSlug: "parenthesis", IterationNumber: 1, ModelID: "model-a"}
	var payload model.JobPayload
	switch jobType {
	case model.JobTypePlan:
		payload = &model.PlanPayload{JobContext: jc, StepInfo: model.StepInfo{CurrentStep: 1, TotalSteps: 1}}
	default:
		payload = &model.ExecutePayload{
			JobContext:      jc,
			PlannerMetadata: model.PlannerMetadata{RecipeStepID: "trd", OutputDocumentKey: "technical_requirements"},
			OutputType:      "assembled_document_json",
			DocumentKey:     "technical_requirements",
		}
	}
	return &model.Job{
		ID:                jobID,
		ParentJobID:       parent,
		PrerequisiteJobID: prerequisite,
		SessionID:         "sess-1",
		StageSlug:         "parenthesis",
		IterationNumber:   1,
		JobType:           jobType,
		Status:            status,
		Payload:           payload,
		MaxRetries:        model.DefaultMaxRetries,
	}
}

func ptr(v int64) *int64 { return &v }

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		st  *memstore.Store
	)

	get := func(jobID int64) *model.Job {
		j, err := st.Jobs().GetByID(ctx, jobID)
		Expect(err).NotTo(HaveOccurred())
		return j
	}

	BeforeEach(func() {
		ctx = context.Background()
		st = memstore.New()
	})

	Describe("InsertBatch", func() {
		It("should reject rows that break the prerequisite invariant", func() {
			err := st.Jobs().InsertBatch(ctx, []*model.Job{
				newJob(1, model.JobTypePlan, model.JobStatusWaitingForPrerequisite, nil, nil),
			})
			Expect(err).To(MatchError(model.ErrMissingPrerequisite))
			Expect(st.Snapshot()).To(BeEmpty())
		})

		It("should reject duplicate ids", func() {
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{newJob(1, model.JobTypePlan, model.JobStatusPending, nil, nil)})).To(Succeed())
			err := st.Jobs().InsertBatch(ctx, []*model.Job{newJob(1, model.JobTypePlan, model.JobStatusPending, nil, nil)})
			Expect(err).To(MatchError(store.ErrConflict))
		})
	})

	Describe("Claim", func() {
		It("should move a pending job to processing once", func() {
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{newJob(1, model.JobTypePlan, model.JobStatusPending, nil, nil)})).To(Succeed())

			claimed, err := st.Jobs().Claim(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.Status).To(Equal(model.JobStatusProcessing))
			Expect(claimed.AttemptCount).To(Equal(1))
			Expect(claimed.StartedAt).NotTo(BeNil())

			_, err = st.Jobs().Claim(ctx, 1)
			Expect(err).To(MatchError(store.ErrConflict))
		})

		It("should report unknown jobs", func() {
			_, err := st.Jobs().Claim(ctx, 42)
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("Transition", func() {
		BeforeEach(func() {
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{newJob(1, model.JobTypePlan, model.JobStatusPending, nil, nil)})).To(Succeed())
		})

		It("should refuse terminal targets", func() {
			_, err := st.Jobs().Transition(ctx, model.Transition{
				JobID: 1, From: []model.JobStatus{model.JobStatusPending}, To: model.JobStatusFailed, ClearPrerequisite: true,
			})
			Expect(err).To(MatchError(model.ErrInvalidTransition))
		})

		It("should only apply while the row is in a source status", func() {
			_, err := st.Jobs().Transition(ctx, model.Transition{
				JobID: 1, From: []model.JobStatus{model.JobStatusProcessing}, To: model.JobStatusWaitingForChildren, ClearPrerequisite: true,
			})
			Expect(err).To(MatchError(store.ErrConflict))
			Expect(get(1).Status).To(Equal(model.JobStatusPending))
		})

		It("should set the link and reset attempts when re-chaining", func() {
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{newJob(2, model.JobTypeExecute, model.JobStatusPending, nil, nil)})).To(Succeed())
			_, err := st.Jobs().Claim(ctx, 1)
			Expect(err).NotTo(HaveOccurred())

			updated, err := st.Jobs().Transition(ctx, model.Transition{
				JobID:             1,
				From:              []model.JobStatus{model.JobStatusProcessing},
				To:                model.JobStatusWaitingForPrerequisite,
				PrerequisiteJobID: ptr(2),
				ResetAttempts:     true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(*updated.PrerequisiteJobID).To(Equal(int64(2)))
			Expect(updated.AttemptCount).To(BeZero())
		})
	})

	Describe("completion hook", func() {
		BeforeEach(func() {
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{
				newJob(1, model.JobTypePlan, model.JobStatusWaitingForChildren, nil, nil),
				newJob(2, model.JobTypeExecute, model.JobStatusProcessing, ptr(1), nil),
				newJob(3, model.JobTypePlan, model.JobStatusWaitingForPrerequisite, ptr(1), ptr(2)),
			})).To(Succeed())
		})

		It("should release dependents and keep their link", func() {
			released, err := st.Jobs().Complete(ctx, 2, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(Equal([]int64{3}))
			dependent := get(3)
			Expect(dependent.Status).To(Equal(model.JobStatusPending))
			Expect(*dependent.PrerequisiteJobID).To(Equal(int64(2)))
			Expect(get(1).Status).To(Equal(model.JobStatusWaitingForChildren))
		})

		It("should release dependents of a failed prerequisite too", func() {
			released, err := st.Jobs().Fail(ctx, 2, "boom")

			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(Equal([]int64{3}))
			Expect(*get(2).ErrorDetails).To(Equal("boom"))
		})

		It("should settle the parent once every child is terminal", func() {
			_, err := st.Jobs().Complete(ctx, 2, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = st.Jobs().Claim(ctx, 3)
			Expect(err).NotTo(HaveOccurred())

			_, err = st.Jobs().Complete(ctx, 3, nil)
			Expect(err).NotTo(HaveOccurred())

			parent := get(1)
			Expect(parent.Status).To(Equal(model.JobStatusCompleted))
			Expect(parent.CompletedAt).NotTo(BeNil())
		})

		It("should fail the parent when a child failed", func() {
			_, err := st.Jobs().Fail(ctx, 3, "gave up")
			Expect(err).NotTo(HaveOccurred())
			_, err = st.Jobs().Complete(ctx, 2, nil)
			Expect(err).NotTo(HaveOccurred())

			parent := get(1)
			Expect(parent.Status).To(Equal(model.JobStatusFailed))
			Expect(*parent.ErrorDetails).To(Equal("child job 3 failed"))
		})

		It("should not settle a job twice", func() {
			_, err := st.Jobs().Complete(ctx, 2, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = st.Jobs().Complete(ctx, 2, nil)
			Expect(err).To(MatchError(store.ErrConflict))
		})
	})

	Describe("sweeps", func() {
		It("should release skeletons whose prerequisite already settled", func() {
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{
				newJob(1, model.JobTypeExecute, model.JobStatusCompleted, nil, nil),
				newJob(2, model.JobTypePlan, model.JobStatusWaitingForPrerequisite, nil, ptr(1)),
				newJob(3, model.JobTypeExecute, model.JobStatusPending, nil, nil),
				newJob(4, model.JobTypePlan, model.JobStatusWaitingForPrerequisite, nil, ptr(3)),
			})).To(Succeed())

			released, err := st.Jobs().ReleaseOrphaned(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(Equal([]int64{2}))
			Expect(get(4).Status).To(Equal(model.JobStatusWaitingForPrerequisite))
		})

		It("should list jobs untouched since the cutoff", func() {
			past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			st.SetClock(func() time.Time { return past })
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{
				newJob(1, model.JobTypeExecute, model.JobStatusPending, nil, nil),
				newJob(2, model.JobTypePlan, model.JobStatusWaitingForChildren, nil, nil),
			})).To(Succeed())
			st.SetClock(func() time.Time { return past.Add(time.Hour) })
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{newJob(3, model.JobTypeExecute, model.JobStatusPending, nil, nil)})).To(Succeed())

			stale, err := st.Jobs().ListStale(ctx, past.Add(time.Minute), 10)

			Expect(err).NotTo(HaveOccurred())
			Expect(stale).To(HaveLen(1))
			Expect(stale[0].ID).To(Equal(int64(1)))
		})
	})

	Describe("WithTx", func() {
		It("should roll back every change when fn fails", func() {
			err := st.WithTx(ctx, func(sp store.Provider) error {
				Expect(sp.Jobs().InsertBatch(ctx, []*model.Job{newJob(1, model.JobTypePlan, model.JobStatusPending, nil, nil)})).To(Succeed())
				return errors.New("abort")
			})

			Expect(err).To(MatchError("abort"))
			Expect(st.Snapshot()).To(BeEmpty())
		})
	})
})
