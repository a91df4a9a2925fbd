package main

import (
	"github.com/spf13/cobra"
)

var (
	recipesDir   string
	outputFormat string

	planProject   string
	planSession   string
	planStageSlug string
	planIteration int
	planModelID   string
	planModelName string
)

var rootCmd = &cobra.Command{
	Use:           "planctl",
	Short:         "Operate the stage planner",
	Long:          "planctl validates stage recipes, applies database migrations and starts stage planning without going through the API.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var recipeCmd = &cobra.Command{
	Use:     "recipe",
	Aliases: []string{"recipes"},
	Short:   "Inspect stage recipes",
}

var recipeValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every recipe in the recipes directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateRecipes(cmd.Context(), cmd.OutOrStdout())
	},
}

var recipeShowCmd = &cobra.Command{
	Use:   "show <stage>",
	Short: "Print a stage's steps in execution order with their prerequisites",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRecipe(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations(cmd.Context())
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Insert and enqueue the root PLAN job of a stage iteration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return planStage(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(recipeCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(planCmd)

	recipeCmd.AddCommand(recipeValidateCmd)
	recipeCmd.AddCommand(recipeShowCmd)

	rootCmd.PersistentFlags().StringVarP(&recipesDir, "recipes", "r", "recipes", "Directory of stage recipe YAML files")

	recipeShowCmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "Output format (text/yaml)")

	planCmd.Flags().StringVar(&planProject, "project", "", "Project id")
	planCmd.Flags().StringVar(&planSession, "session", "", "Session id")
	planCmd.Flags().StringVar(&planStageSlug, "stage", "", "Stage slug")
	planCmd.Flags().IntVar(&planIteration, "iteration", 1, "Iteration number")
	planCmd.Flags().StringVar(&planModelID, "model", "", "Model id")
	planCmd.Flags().StringVar(&planModelName, "model-name", "", "Model display name used in output filenames")
	for _, f := range []string{"project", "session", "stage", "model"} {
		_ = planCmd.MarkFlagRequired(f)
	}
}
