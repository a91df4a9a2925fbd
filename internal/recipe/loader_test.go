package recipe_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/recipe"
)

var _ = Describe("Loader", func() {
	ctx := context.Background()

	Describe("LoadFile", func() {
		It("should decode a valid recipe", func() {
			def, err := recipe.LoadFile(filepath.Join("testdata", "parenthesis.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(def.StageSlug).To(Equal("parenthesis"))
			Expect(def.Steps).To(HaveLen(3))

			trd := def.Steps[1]
			Expect(trd.JobType).To(Equal(model.JobTypeExecute))
			Expect(trd.GranularityStrategy).To(Equal(model.GranularityPerSourceGroup))
			Expect(*trd.ParallelGroup).To(Equal(2))
			Expect(trd.InputsRequired[1].Multiple).To(BeTrue())

			header := def.Steps[0]
			Expect(header.InputsRequired[4].IsRequired()).To(BeFalse())
		})

		DescribeTable("should reject malformed recipes",
			func(name string) {
				_, err := recipe.LoadFile(filepath.Join("testdata", "bad", name))
				Expect(err).To(MatchError(recipe.ErrMalformedRecipe))
			},
			Entry("unknown field", "unknown_field.yaml"),
			Entry("job type outside the enum", "bad_enum.yaml"),
		)
	})

	Describe("LoadDir", func() {
		It("should build a catalog of the shipped recipes", func() {
			catalog, err := recipe.LoadDir(ctx, filepath.Join("..", "..", "recipes"))
			Expect(err).NotTo(HaveOccurred())
			Expect(catalog.Stages()).To(Equal([]string{"parenthesis", "synthesis"}))

			g, err := catalog.ForStage(ctx, "parenthesis")
			Expect(err).NotTo(HaveOccurred())
			step, err := g.ProducerOf("technical_requirements")
			Expect(err).NotTo(HaveOccurred())
			Expect(step.ID).To(Equal("parenthesis-trd"))
		})

		It("should fail the whole catalog on a graph fault", func() {
			_, err := recipe.LoadDir(ctx, filepath.Join("testdata", "bad"))
			Expect(err).To(MatchError(recipe.ErrMalformedRecipe))
		})

		It("should report stages without a recipe", func() {
			catalog, err := recipe.NewCatalog()
			Expect(err).NotTo(HaveOccurred())

			_, err = catalog.ForStage(ctx, "thesis")
			Expect(err).To(MatchError(recipe.ErrUnknownStage))
			Expect(err).To(MatchError(recipe.ErrMalformedRecipe))
		})

		It("should reject two recipes for one stage", func() {
			dir := GinkgoT().TempDir()
			data, err := os.ReadFile(filepath.Join("testdata", "parenthesis.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(os.WriteFile(filepath.Join(dir, "a.yaml"), data, 0o600)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "b.yml"), data, 0o600)).To(Succeed())

			_, err = recipe.LoadDir(ctx, dir)
			Expect(err).To(MatchError(recipe.ErrMalformedRecipe))
		})
	})
})
