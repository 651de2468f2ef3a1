package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/conductor/pkg/persona"
)

var (
	personaLimit   int
	personaComment string
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Persona catalog, recommendations and feedback",
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog personas",
	Args:  cobra.NoArgs,
	RunE:  runPersonaList,
}

var personaRecommendCmd = &cobra.Command{
	Use:   "recommend <text...>",
	Short: "Recommend a persona for a piece of text",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPersonaRecommend,
}

var personaFeedbackCmd = &cobra.Command{
	Use:   "feedback <persona-id> <rating>",
	Short: "Record a rating in [0,1] for a persona",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonaFeedback,
}

var personaTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Rank personas by average rating",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPersonaRanking(cmd, (*persona.Scorer).TopPerforming)
	},
}

var personaMostUsedCmd = &cobra.Command{
	Use:   "most-used",
	Short: "Rank personas by usage count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPersonaRanking(cmd, (*persona.Scorer).MostUsed)
	},
}

func init() {
	personaFeedbackCmd.Flags().StringVar(&personaComment, "comment", "", "optional feedback comment")
	personaTopCmd.Flags().IntVar(&personaLimit, "limit", 5, "number of personas to show")
	personaMostUsedCmd.Flags().IntVar(&personaLimit, "limit", 5, "number of personas to show")

	personaCmd.AddCommand(personaListCmd, personaRecommendCmd, personaFeedbackCmd, personaTopCmd, personaMostUsedCmd)
	rootCmd.AddCommand(personaCmd)
}

func runPersonaList(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	for _, p := range a.Personas.List() {
		fmt.Fprintf(out, "%s  %s  %s\n", p.ID, p.Name, p.Description)
	}
	return nil
}

func runPersonaRecommend(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := a.Personas.Recommend(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No persona matches")
		return nil
	}
	return printJSON(cmd.OutOrStdout(), rec)
}

func runPersonaFeedback(cmd *cobra.Command, args []string) error {
	rating, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid rating %q: %w", args[1], err)
	}

	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	score, err := a.Personas.RecordFeedback(cmd.Context(), args[0], rating, personaComment)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: average %.3f over %d ratings\n", args[0], score.AverageRating(), score.FeedbackCount)
	return nil
}

type rankFunc func(s *persona.Scorer, ctx context.Context, limit int) ([]persona.Ranked, error)

func runPersonaRanking(cmd *cobra.Command, rank rankFunc) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ranked, err := rank(a.Personas, cmd.Context(), personaLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, r := range ranked {
		fmt.Fprintf(out, "%d. %s  avg=%.3f  ratings=%d  uses=%d  ok=%d  failed=%d\n",
			i+1, r.Persona.ID, r.Average, r.Score.FeedbackCount, r.Score.UsageCount, r.Score.SuccessCount, r.Score.FailureCount)
	}
	return nil
}
