package worker_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"stagegraph.app/planner/common/id"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/planner"
	"stagegraph.app/planner/internal/processor"
	"stagegraph.app/planner/internal/queue"
	"stagegraph.app/planner/internal/recipe"
	"stagegraph.app/planner/internal/store"
	"stagegraph.app/planner/internal/store/memstore"
	"stagegraph.app/planner/internal/worker"
)

const (
	projectID = "proj-1"
	sessionID = "sess-1"
	stageSlug = "thesis"
	modelID   = "model-a"
	modelName = "gpt-4o"
	bucket    = "artifacts"
)

// thesisRecipe drafts a business case that must be rendered before the
// review step can read it.
func thesisRecipe() *recipe.Definition {
	return &recipe.Definition{
		StageSlug: stageSlug,
		Steps: []model.RecipeStep{
			{
				ID: "draft", StepKey: "draft-business-case", JobType: model.JobTypeExecute, ExecutionOrder: 1,
				OutputType: "business_case", DocumentKey: "business_case", TemplateFilename: "business_case.md",
				InputsRequired: []model.InputRule{
					{Type: model.InputTypeSeedPrompt, Slug: model.SlugAny},
				},
			},
			{
				ID: "review", StepKey: "review-business-case", JobType: model.JobTypeExecute, ExecutionOrder: 2,
				OutputType: "review_notes", DocumentKey: "review_notes",
				InputsRequired: []model.InputRule{
					{Type: model.InputTypeDocument, Slug: stageSlug, DocumentKey: "business_case"},
				},
			},
		},
	}
}

func jobContext() model.JobContext {
	return model.JobContext{
		ProjectID:       projectID,
		SessionID:       sessionID,
		StageSlug:       stageSlug,
		IterationNumber: 1,
		ModelID:         modelID,
		ModelName:       modelName,
	}
}

func rootJob() *model.Job {
	return &model.Job{
		ID:              id.New(),
		SessionID:       sessionID,
		StageSlug:       stageSlug,
		IterationNumber: 1,
		JobType:         model.JobTypePlan,
		Status:          model.JobStatusPending,
		Payload:         &model.PlanPayload{JobContext: jobContext(), StepInfo: model.StepInfo{CurrentStep: 1, TotalSteps: 2}},
		MaxRetries:      model.DefaultMaxRetries,
	}
}

func executeJob(parentID *int64, maxRetries int) *model.Job {
	return &model.Job{
		ID:              id.New(),
		ParentJobID:     parentID,
		SessionID:       sessionID,
		StageSlug:       stageSlug,
		IterationNumber: 1,
		JobType:         model.JobTypeExecute,
		Status:          model.JobStatusPending,
		Payload: &model.ExecutePayload{
			JobContext:      jobContext(),
			PlannerMetadata: model.PlannerMetadata{RecipeStepID: "review", OutputDocumentKey: "review_notes"},
			OutputType:      "review_notes",
			DocumentKey:     "review_notes",
		},
		MaxRetries: maxRetries,
	}
}

var msgSeq int

func messageFor(job *model.Job) queue.Message {
	return toMessage(queue.NewJobMessage(job, ""))
}

func toMessage(m queue.JobMessage) queue.Message {
	msgSeq++
	return queue.Message{
		ID:      fmt.Sprintf("%d-0", msgSeq),
		JobID:   m.JobID,
		JobType: m.JobType,
		Attempt: m.Attempt,
		TraceID: m.TraceID,
	}
}

var _ = Describe("Worker", func() {
	var (
		ctx      context.Context
		st       *memstore.Store
		content  *store.LocalContentStore
		consumer *fakeConsumer
		enq      *fakeEnqueuer
		emitter  *fakeEmitter
		handlers map[model.JobType]worker.Handler
		txRunner store.TxRunner
	)

	newWorker := func() *worker.Worker {
		return worker.New(consumer, enq, txRunner, st, handlers, worker.Config{MaxAttempts: 3, ErrorBackoff: time.Millisecond},
			worker.WithStatusEmitter(emitter))
	}

	insert := func(jobs ...*model.Job) {
		Expect(st.Jobs().InsertBatch(ctx, jobs)).To(Succeed())
	}

	get := func(jobID int64) *model.Job {
		j, err := st.Jobs().GetByID(ctx, jobID)
		Expect(err).NotTo(HaveOccurred())
		return j
	}

	BeforeEach(func() {
		ctx = context.Background()
		st = memstore.New()
		txRunner = st
		consumer = &fakeConsumer{}
		enq = &fakeEnqueuer{}
		emitter = &fakeEmitter{}

		var err error
		content, err = store.NewLocalContentStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		catalog, err := recipe.NewCatalog(thesisRecipe())
		Expect(err).NotTo(HaveOccurred())

		exec := worker.NewStubExecutor(content, bucket)
		handlers = map[model.JobType]worker.Handler{
			model.JobTypePlan:    worker.PlanHandler(processor.New(catalog, planner.New())),
			model.JobTypeExecute: exec,
			model.JobTypeRender:  exec,
		}
	})

	Describe("running a stage end to end", func() {
		BeforeEach(func() {
			Expect(st.Resources().Create(ctx, &model.ProjectResource{
				ID:           "prompt",
				ProjectID:    projectID,
				ResourceType: model.ResourceTypeInitialUserPrompt,
				Storage:      model.StorageRef{Bucket: bucket, Path: projectID, FileName: "initial_user_prompt.md"},
			})).To(Succeed())
		})

		It("plans, executes, renders and fans back in to the root", func() {
			w := newWorker()
			root := rootJob()
			insert(root)

			Expect(w.ProcessMessage(ctx, messageFor(root))).To(Succeed())
			Expect(get(root.ID).Status).To(Equal(model.JobStatusWaitingForChildren))
			Expect(enq.msgs).To(HaveLen(1))
			Expect(enq.msgs[0].JobType).To(Equal(model.JobTypeExecute))

			var skeleton *model.Job
			for _, j := range st.Snapshot() {
				if j.JobType == model.JobTypePlan && j.ID != root.ID {
					skeleton = j
				}
			}
			Expect(skeleton).NotTo(BeNil())
			Expect(skeleton.Status).To(Equal(model.JobStatusWaitingForPrerequisite))
			Expect(*skeleton.PrerequisiteJobID).To(Equal(enq.msgs[0].JobID))

			processed := 1
			for ; processed < 20; processed++ {
				next, ok := enq.pop()
				if !ok {
					break
				}
				Expect(w.ProcessMessage(ctx, toMessage(next))).To(Succeed())
			}
			Expect(enq.msgs).To(BeEmpty(), "queue did not drain")

			counts := map[model.JobType]int{}
			for _, j := range st.Snapshot() {
				Expect(j.Status).To(Equal(model.JobStatusCompleted), "job %d (%s)", j.ID, j.JobType)
				Expect(j.PrerequisiteJobID).To(BeNil())
				counts[j.JobType]++
			}
			Expect(counts).To(Equal(map[model.JobType]int{
				model.JobTypePlan:    2,
				model.JobTypeExecute: 2,
				model.JobTypeRender:  1,
			}))
			Expect(consumer.Acked()).To(HaveLen(processed))

			contributions, err := st.Contributions().ListContributions(ctx, model.ContributionFilter{SessionID: sessionID, IterationNumber: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(contributions).To(HaveLen(2))

			rendered, err := st.Resources().ListResources(ctx, model.ResourceFilter{
				ProjectID:    projectID,
				ResourceType: model.ResourceTypeRenderedDocument,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(rendered).To(HaveLen(1))
			Expect(rendered[0].Description.DocumentKey).To(Equal("business_case"))
			Expect(rendered[0].Storage.FileName).To(Equal("gpt-4o_0_business_case.md"))
			Expect(rendered[0].SourceContributionID).NotTo(BeNil())

			body, err := content.Read(ctx, rendered[0].Storage)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(HavePrefix("<!-- rendered with business_case.md -->"))
			Expect(string(body)).To(ContainSubstring("# business_case"))

			last := emitter.events[len(emitter.events)-1]
			Expect(last.Status).To(Equal(model.JobStatusCompleted))
			Expect(last.SessionID).To(Equal(sessionID))
		})
	})

	Describe("claiming", func() {
		It("acks and drops a message whose job is gone", func() {
			w := newWorker()
			msg := toMessage(queue.JobMessage{JobID: 424242, JobType: model.JobTypeExecute, Attempt: 1})

			Expect(w.ProcessMessage(ctx, msg)).To(Succeed())
			Expect(consumer.Acked()).To(ConsistOf(msg.ID))
			Expect(enq.msgs).To(BeEmpty())
			Expect(emitter.events).To(BeEmpty())
		})

		It("acks and drops a duplicate delivery", func() {
			job := executeJob(nil, 3)
			insert(job)
			_, err := st.Jobs().Claim(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(newWorker().ProcessMessage(ctx, messageFor(job))).To(Succeed())
			Expect(get(job.ID).AttemptCount).To(Equal(1))
			Expect(get(job.ID).Status).To(Equal(model.JobStatusProcessing))
		})
	})

	Describe("handler failures", func() {
		var job *model.Job

		failWith := func(err error) {
			handlers[model.JobTypeExecute] = worker.HandlerFunc(func(context.Context, *model.Job, store.Provider) (*processor.Result, error) {
				return nil, err
			})
		}

		It("returns a transiently failing job to pending and re-enqueues it", func() {
			job = executeJob(nil, 3)
			insert(job)
			failWith(errors.New("model timeout"))

			Expect(newWorker().ProcessMessage(ctx, messageFor(job))).To(Succeed())

			after := get(job.ID)
			Expect(after.Status).To(Equal(model.JobStatusPending))
			Expect(after.AttemptCount).To(Equal(1))
			Expect(*after.ErrorDetails).To(Equal("model timeout"))
			Expect(enq.msgs).To(HaveLen(1))
			Expect(enq.msgs[0].JobID).To(Equal(job.ID))
			Expect(enq.msgs[0].Attempt).To(Equal(2))
			Expect(emitter.events[0].Status).To(Equal(model.JobStatusPending))
			Expect(emitter.events[0].Message).To(Equal("model timeout"))
		})

		It("fails the job once retries are exhausted", func() {
			job = executeJob(nil, 1)
			insert(job)
			failWith(errors.New("model timeout"))

			Expect(newWorker().ProcessMessage(ctx, messageFor(job))).To(Succeed())
			Expect(get(job.ID).Status).To(Equal(model.JobStatusFailed))
			Expect(enq.msgs).To(BeEmpty())
		})

		It("fails permanently on a permanent error and cascades to the parent", func() {
			parent := rootJob()
			parent.Status = model.JobStatusWaitingForChildren
			insert(parent)
			job = executeJob(&parent.ID, 3)
			insert(job)
			failWith(fmt.Errorf("%w: document_key is required", model.ErrInvalidPayload))

			Expect(newWorker().ProcessMessage(ctx, messageFor(job))).To(Succeed())

			Expect(get(job.ID).Status).To(Equal(model.JobStatusFailed))
			failedParent := get(parent.ID)
			Expect(failedParent.Status).To(Equal(model.JobStatusFailed))
			Expect(*failedParent.ErrorDetails).To(Equal(fmt.Sprintf("child job %d failed", job.ID)))
		})

		It("rolls back whatever the handler wrote before failing", func() {
			job = executeJob(nil, 3)
			insert(job)
			stray := executeJob(nil, 3)
			handlers[model.JobTypeExecute] = worker.HandlerFunc(func(ctx context.Context, _ *model.Job, sp store.Provider) (*processor.Result, error) {
				if err := sp.Jobs().InsertBatch(ctx, []*model.Job{stray}); err != nil {
					return nil, err
				}
				return nil, errors.New("late failure")
			})

			Expect(newWorker().ProcessMessage(ctx, messageFor(job))).To(Succeed())

			_, err := st.Jobs().GetByID(ctx, stray.ID)
			Expect(err).To(MatchError(store.ErrNotFound))
			Expect(get(job.ID).Status).To(Equal(model.JobStatusPending))
		})

		It("treats a panic as a retryable failure", func() {
			job = executeJob(nil, 3)
			insert(job)
			handlers[model.JobTypeExecute] = worker.HandlerFunc(func(context.Context, *model.Job, store.Provider) (*processor.Result, error) {
				panic("nil map")
			})

			Expect(newWorker().ProcessMessage(ctx, messageFor(job))).To(Succeed())
			after := get(job.ID)
			Expect(after.Status).To(Equal(model.JobStatusPending))
			Expect(*after.ErrorDetails).To(ContainSubstring("panic: nil map"))
		})

		It("fails job types without a handler", func() {
			delete(handlers, model.JobTypeExecute)
			job = executeJob(nil, 3)
			insert(job)

			Expect(newWorker().ProcessMessage(ctx, messageFor(job))).To(Succeed())
			after := get(job.ID)
			Expect(after.Status).To(Equal(model.JobStatusFailed))
			Expect(*after.ErrorDetails).To(ContainSubstring(worker.ErrNoHandler.Error()))
		})
	})

	Describe("store outages", func() {
		It("returns the error so the message is redelivered", func() {
			job := executeJob(nil, 3)
			insert(job)
			txRunner = &flakyTxRunner{inner: st, failures: 1}

			err := newWorker().ProcessMessage(ctx, messageFor(job))
			Expect(err).To(MatchError(errStoreDown))
			Expect(consumer.Acked()).To(BeEmpty())
			Expect(get(job.ID).Status).To(Equal(model.JobStatusPending))
		})

		runUntil := func(msg queue.Message, done func() bool) {
			delivered := false
			consumer.readFn = func(context.Context) ([]queue.Message, error) {
				if !delivered {
					delivered = true
					return []queue.Message{msg}, nil
				}
				time.Sleep(time.Millisecond)
				return nil, nil
			}
			w := newWorker()
			go func() {
				defer GinkgoRecover()
				_ = w.Run(ctx)
			}()
			Eventually(done).Should(BeTrue())
			w.Stop()
		}

		It("requeues the message while attempts remain", func() {
			job := executeJob(nil, 3)
			insert(job)
			txRunner = &flakyTxRunner{inner: st, failures: 1}
			msg := messageFor(job)

			runUntil(msg, func() bool { return len(consumer.Requeued()) == 1 })
			Expect(consumer.Requeued()).To(ConsistOf(msg.ID))
			Expect(consumer.DLQ()).To(BeEmpty())
		})

		It("dead-letters the message on its last attempt", func() {
			job := executeJob(nil, 3)
			insert(job)
			txRunner = &flakyTxRunner{inner: st, failures: 1}
			msg := messageFor(job)
			msg.Attempt = 3

			runUntil(msg, func() bool { return len(consumer.DLQ()) == 1 })
			Expect(consumer.Requeued()).To(BeEmpty())
		})
	})

	Describe("Reclaimer", func() {
		var (
			claimer *fakeClaimer
			r       *worker.Reclaimer
		)

		BeforeEach(func() {
			claimer = &fakeClaimer{}
			w := newWorker()
			r = worker.NewReclaimer(claimer, enq, st, st, w.ProcessMessage, worker.ReclaimerConfig{
				MinIdle:    time.Minute,
				Interval:   time.Minute,
				BatchSize:  10,
				StaleAfter: 10 * time.Minute,
			})
		})

		It("releases skeletons whose prerequisite settled before they started waiting", func() {
			prereq := executeJob(nil, 3)
			prereq.Status = model.JobStatusCompleted
			skeleton := rootJob()
			skeleton.Status = model.JobStatusWaitingForPrerequisite
			skeleton.PrerequisiteJobID = &prereq.ID
			insert(prereq, skeleton)

			r.ReclaimOnce(ctx)

			Expect(get(skeleton.ID).Status).To(Equal(model.JobStatusPending))
			Expect(enq.jobIDs()).To(ContainElement(skeleton.ID))
		})

		It("re-enqueues stale pending jobs and resets stale processing ones", func() {
			st.SetClock(func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) })
			lost := executeJob(nil, 3)
			stuck := executeJob(nil, 3)
			exhausted := executeJob(nil, 1)
			insert(lost, stuck, exhausted)
			_, err := st.Jobs().Claim(ctx, stuck.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = st.Jobs().Claim(ctx, exhausted.ID)
			Expect(err).NotTo(HaveOccurred())

			r.ReclaimOnce(ctx)

			Expect(get(lost.ID).Status).To(Equal(model.JobStatusPending))
			reset := get(stuck.ID)
			Expect(reset.Status).To(Equal(model.JobStatusPending))
			Expect(*reset.ErrorDetails).To(Equal("worker lost while processing"))
			Expect(get(exhausted.ID).Status).To(Equal(model.JobStatusFailed))
			Expect(enq.jobIDs()).To(ConsistOf(lost.ID, stuck.ID))
		})

		It("processes reclaimed stream entries and acks unparseable ones", func() {
			job := executeJob(nil, 3)
			insert(job)
			valid := queue.NewJobMessage(job, "")
			claimer.messages = []redis.XMessage{
				{ID: "9-0", Values: map[string]any{"job_id": "not-a-number"}},
				{ID: "10-0", Values: map[string]any{
					"job_id":   fmt.Sprint(valid.JobID),
					"job_type": string(valid.JobType),
					"attempt":  "1",
				}},
			}

			r.ReclaimOnce(ctx)

			Expect(claimer.acked).To(ConsistOf("9-0"))
			Expect(get(job.ID).Status).To(Equal(model.JobStatusCompleted))
			Expect(consumer.Acked()).To(ContainElement("10-0"))

			var written []string
			for _, c := range mustContributions(ctx, st) {
				written = append(written, c.Storage.FileName)
			}
			Expect(strings.Join(written, ",")).To(Equal("gpt-4o_0_review_notes.md"))
		})
	})
})

func mustContributions(ctx context.Context, st *memstore.Store) []model.Contribution {
	out, err := st.Contributions().ListContributions(ctx, model.ContributionFilter{SessionID: sessionID})
	Expect(err).NotTo(HaveOccurred())
	return out
}
