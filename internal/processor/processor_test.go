package processor_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stagegraph.app/planner/common/id"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/planner"
	"stagegraph.app/planner/internal/processor"
	"stagegraph.app/planner/internal/recipe"
	"stagegraph.app/planner/internal/resolver"
	"stagegraph.app/planner/internal/store"
	"stagegraph.app/planner/internal/store/memstore"
)

var _ = Describe("Processor", func() {
	var (
		ctx     context.Context
		st      *memstore.Store
		catalog *recipe.Catalog
		spy     *spyPlanner
		proc    *processor.Processor
	)

	BeforeEach(func() {
		ctx = context.Background()
		Expect(id.Init(1)).To(Succeed())

		st = memstore.New()
		var err error
		catalog, err = recipe.NewCatalog(parenthesisRecipe())
		Expect(err).NotTo(HaveOccurred())

		spy = &spyPlanner{inner: planner.New()}
		proc = processor.New(catalog, spy)
	})

	// planScenario sets up a completed header, present synthesis documents and
	// runs a fresh root PLAN.
	planScenario := func() (*model.Job, *processor.Result) {
		seedPrompt(ctx, st)
		headerContribution(ctx, st)
		synthesisDocuments(ctx, st)
		Expect(st.Jobs().InsertBatch(ctx, []*model.Job{
			executeJob("header", "header_context", model.JobStatusCompleted),
		})).To(Succeed())

		root := claimedRoot(ctx, st)
		result, err := proc.Process(ctx, root, st)
		Expect(err).NotTo(HaveOccurred())
		return root, result
	}

	Describe("fresh planning", func() {
		It("should plan ready steps and park blocked ones on their producer", func() {
			root, result := planScenario()

			trdJobs := jobsWhere(st, both(forStep("trd"), ofType(model.JobTypeExecute)))
			Expect(trdJobs).To(HaveLen(1))
			trd := trdJobs[0]
			Expect(trd.Status).To(Equal(model.JobStatusPending))
			Expect(trd.PrerequisiteJobID).To(BeNil())
			Expect(*trd.ParentJobID).To(Equal(root.ID))

			skeletons := jobsWhere(st, both(forStep("master"), ofType(model.JobTypePlan)))
			Expect(skeletons).To(HaveLen(1))
			skeleton := skeletons[0]
			Expect(skeleton.Status).To(Equal(model.JobStatusWaitingForPrerequisite))
			Expect(*skeleton.PrerequisiteJobID).To(Equal(trd.ID))
			Expect(*skeleton.ParentJobID).To(Equal(root.ID))

			payload := skeleton.Payload.(*model.PlanPayload)
			Expect(payload.StepInfo).To(Equal(model.StepInfo{CurrentStep: 1, TotalSteps: 1}))
			Expect(payload.PlannerMetadata.OutputDocumentKey).To(Equal("master_plan"))

			identity := skeleton.Results.RequiredArtifactIdentity
			Expect(identity).NotTo(BeNil())
			Expect(identity.DocumentKey).To(Equal("technical_requirements"))
			Expect(identity.StageSlug).To(Equal(stageSlug))
			Expect(identity.ModelID).To(Equal(modelID))
			Expect(identity.BranchKey).To(Equal("technical_requirements"))
			Expect(*identity.ParallelGroup).To(Equal(2))

			Expect(result.Status).To(Equal(model.JobStatusWaitingForChildren))
			Expect(result.Enqueue).To(Equal([]int64{trd.ID}))

			stored, err := st.Jobs().GetByID(ctx, root.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.JobStatusWaitingForChildren))
			Expect(stored.PrerequisiteJobID).To(BeNil())
			Expect(stored.Results.SpawnedJobIDs).To(ConsistOf(trd.ID, skeleton.ID))

			Expect(spy.calls).To(Equal([]string{"trd"}))
		})

		It("should not insert a second skeleton for a step that already has one", func() {
			planScenario()

			second := claimedRoot(ctx, st)
			result, err := proc.Process(ctx, second, st)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(model.JobStatusCompleted))
			Expect(jobsWhere(st, both(forStep("master"), ofType(model.JobTypePlan)))).To(HaveLen(1))
			Expect(jobsWhere(st, forStep("trd"))).To(HaveLen(1))
		})

		It("should replan a step whose only job failed", func() {
			seedPrompt(ctx, st)
			failed := executeJob("header", "header_context", model.JobStatusFailed)
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{failed})).To(Succeed())
			headerContribution(ctx, st)
			synthesisDocuments(ctx, st)

			root := claimedRoot(ctx, st)
			_, err := proc.Process(ctx, root, st)

			Expect(err).NotTo(HaveOccurred())
			Expect(spy.calls).To(ContainElement("header"))
		})

		It("should chain a skeleton to a skeleton of the producing step", func() {
			seedPrompt(ctx, st)
			headerContribution(ctx, st)
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{
				executeJob("header", "header_context", model.JobStatusCompleted),
			})).To(Succeed())
			synthesisRender := renderJob("synthesis", "synthesis_prd", nil)
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{synthesisRender})).To(Succeed())

			root := claimedRoot(ctx, st)
			result, err := proc.Process(ctx, root, st)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Enqueue).To(BeEmpty())

			trdSkeleton := jobsWhere(st, both(forStep("trd"), ofType(model.JobTypePlan)))
			Expect(trdSkeleton).To(HaveLen(1))
			Expect(*trdSkeleton[0].PrerequisiteJobID).To(Equal(synthesisRender.ID))
			Expect(trdSkeleton[0].Results.RequiredArtifactIdentity.StageSlug).To(Equal("synthesis"))
			Expect(trdSkeleton[0].Results.RequiredArtifactIdentity.ModelID).To(BeEmpty())

			masterSkeleton := jobsWhere(st, both(forStep("master"), ofType(model.JobTypePlan)))
			Expect(masterSkeleton).To(HaveLen(1))
			Expect(*masterSkeleton[0].PrerequisiteJobID).To(Equal(trdSkeleton[0].ID))
			Expect(spy.calls).To(BeEmpty())
		})

		It("should fail the pass when nothing will produce a missing input", func() {
			seedPrompt(ctx, st)
			headerContribution(ctx, st)
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{
				executeJob("header", "header_context", model.JobStatusCompleted),
			})).To(Succeed())

			root := claimedRoot(ctx, st)
			_, err := proc.Process(ctx, root, st)

			Expect(err).To(MatchError(processor.ErrNoBlocker))
			Expect(err).To(MatchError(resolver.ErrMissingRequiredInput))
			Expect(processor.IsPermanent(err)).To(BeFalse())
		})

		It("should complete when every step is already covered", func() {
			for _, step := range []string{"header", "trd", "master"} {
				Expect(st.Jobs().InsertBatch(ctx, []*model.Job{
					executeJob(step, step, model.JobStatusCompleted),
				})).To(Succeed())
			}

			root := claimedRoot(ctx, st)
			result, err := proc.Process(ctx, root, st)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(model.JobStatusCompleted))
			stored, _ := st.Jobs().GetByID(ctx, root.ID)
			Expect(stored.Status).To(Equal(model.JobStatusCompleted))
		})

		It("should reject stages without a recipe as permanent", func() {
			root := claimedRoot(ctx, st)
			root.StageSlug = "thesis"

			_, err := proc.Process(ctx, root, st)

			Expect(err).To(MatchError(recipe.ErrMalformedRecipe))
			Expect(processor.IsPermanent(err)).To(BeTrue())
		})

		It("should reject jobs that are not PLAN jobs", func() {
			job := executeJob("trd", "technical_requirements", model.JobStatusProcessing)

			_, err := proc.Process(ctx, job, st)

			Expect(err).To(MatchError(processor.ErrNotPlanJob))
			Expect(processor.IsPermanent(err)).To(BeTrue())
		})

		It("should abort on data-integrity faults", func() {
			Expect(st.Resources().Create(ctx, &model.ProjectResource{
				ID:           "broken",
				ProjectID:    projectID,
				ResourceType: model.ResourceTypeInitialUserPrompt,
				Storage:      model.StorageRef{Bucket: "artifacts", Path: projectID},
			})).To(Succeed())

			root := claimedRoot(ctx, st)
			_, err := proc.Process(ctx, root, st)

			Expect(err).To(MatchError(resolver.ErrDataIntegrity))
			Expect(processor.IsPermanent(err)).To(BeTrue())
		})
	})

	Describe("deferred planning", func() {
		var (
			root     *model.Job
			trd      *model.Job
			skeleton *model.Job
		)

		BeforeEach(func() {
			root, _ = planScenario()
			trd = jobsWhere(st, both(forStep("trd"), ofType(model.JobTypeExecute)))[0]
			skeleton = jobsWhere(st, both(forStep("master"), ofType(model.JobTypePlan)))[0]
			spy.calls = nil
		})

		finishTRD := func() {
			claim(ctx, st, trd.ID)
			released, err := st.Jobs().Complete(ctx, trd.ID, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(Equal([]int64{skeleton.ID}))
		}

		It("should plan the step and wait for its children once the input exists", func() {
			renderedDocument(ctx, st, stageSlug, "technical_requirements")
			finishTRD()

			resumed := claim(ctx, st, skeleton.ID)
			Expect(resumed.IsDeferred()).To(BeTrue())
			result, err := proc.Process(ctx, resumed, st)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(model.JobStatusWaitingForChildren))

			stored, _ := st.Jobs().GetByID(ctx, skeleton.ID)
			Expect(stored.Status).To(Equal(model.JobStatusWaitingForChildren))
			Expect(stored.PrerequisiteJobID).To(BeNil())

			masterJobs := jobsWhere(st, both(forStep("master"), ofType(model.JobTypeExecute)))
			Expect(masterJobs).To(HaveLen(1))
			Expect(masterJobs[0].Status).To(Equal(model.JobStatusPending))
			Expect(*masterJobs[0].ParentJobID).To(Equal(skeleton.ID))
			Expect(result.Enqueue).To(Equal([]int64{masterJobs[0].ID}))
			Expect(spy.calls).To(Equal([]string{"master"}))
		})

		It("should re-chain to a new blocker without planning", func() {
			render := renderJob(stageSlug, "technical_requirements", &root.ID)
			Expect(st.Jobs().InsertBatch(ctx, []*model.Job{render})).To(Succeed())
			finishTRD()

			resumed := claim(ctx, st, skeleton.ID)
			result, err := proc.Process(ctx, resumed, st)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(model.JobStatusWaitingForPrerequisite))
			Expect(result.Enqueue).To(BeEmpty())

			stored, _ := st.Jobs().GetByID(ctx, skeleton.ID)
			Expect(stored.Status).To(Equal(model.JobStatusWaitingForPrerequisite))
			Expect(*stored.PrerequisiteJobID).To(Equal(render.ID))
			Expect(stored.AttemptCount).To(BeZero())
			Expect(stored.Results.RequiredArtifactIdentity.DocumentKey).To(Equal("technical_requirements"))
			Expect(spy.calls).To(BeEmpty())
		})

		It("should re-raise when no job will produce the input", func() {
			finishTRD()

			resumed := claim(ctx, st, skeleton.ID)
			_, err := proc.Process(ctx, resumed, st)

			var missing *resolver.MissingRequiredInputError
			Expect(errors.As(err, &missing)).To(BeTrue())
			Expect(missing.Rule.DocumentKey).To(Equal("technical_requirements"))
			Expect(spy.calls).To(BeEmpty())

			stored, _ := st.Jobs().GetByID(ctx, skeleton.ID)
			Expect(stored.Status).To(Equal(model.JobStatusProcessing))
			Expect(*stored.PrerequisiteJobID).To(Equal(trd.ID))
		})

		It("should re-raise when the blocker is unchanged", func() {
			finishTRD()
			blockers := &mockBlockerFinder{
				findFn: func(_ context.Context, _ model.RequiredArtifactIdentity) (*model.Job, error) {
					return trd, nil
				},
			}
			proc = processor.New(catalog, spy, processor.WithBlockerFactory(func(store.Provider) processor.BlockerFinder {
				return blockers
			}))

			resumed := claim(ctx, st, skeleton.ID)
			_, err := proc.Process(ctx, resumed, st)

			Expect(err).To(MatchError(resolver.ErrMissingRequiredInput))
			Expect(blockers.calls).To(HaveLen(1))
			stored, _ := st.Jobs().GetByID(ctx, skeleton.ID)
			Expect(*stored.PrerequisiteJobID).To(Equal(trd.ID))
		})

		It("should fan in to the root once every child settles", func() {
			renderedDocument(ctx, st, stageSlug, "technical_requirements")
			finishTRD()

			resumed := claim(ctx, st, skeleton.ID)
			result, err := proc.Process(ctx, resumed, st)
			Expect(err).NotTo(HaveOccurred())

			master := result.Enqueue[0]
			claim(ctx, st, master)
			_, err = st.Jobs().Complete(ctx, master, nil)
			Expect(err).NotTo(HaveOccurred())

			for _, jobID := range []int64{skeleton.ID, root.ID} {
				stored, _ := st.Jobs().GetByID(ctx, jobID)
				Expect(stored.Status).To(Equal(model.JobStatusCompleted))
			}
		})
	})

	Describe("IsPermanent", func() {
		DescribeTable("classifies errors",
			func(err error, want bool) {
				Expect(processor.IsPermanent(err)).To(Equal(want))
			},
			Entry("malformed recipe", recipe.ErrMalformedRecipe, true),
			Entry("data integrity", resolver.ErrDataIntegrity, true),
			Entry("unsupported input", resolver.ErrUnsupportedInputType, true),
			Entry("invalid payload", model.ErrInvalidPayload, true),
			Entry("missing input", &resolver.MissingRequiredInputError{}, false),
			Entry("no blocker", processor.ErrNoBlocker, false),
			Entry("conflict", store.ErrConflict, false),
		)
	})
})
