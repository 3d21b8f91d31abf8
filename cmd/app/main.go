// CLI for image mood analysis, song recommendation and corpus jobs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "app",
	Short:        "Recommend songs that match the mood of an image",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recommendation API on API_HOST:API_PORT",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Print the emotion scores of an image",
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		return runAnalyze(cmd.Context(), cmd.OutOrStdout(), image)
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Print songs matching an image or a precomputed emotion result",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in recommendInput
		in.image, _ = cmd.Flags().GetString("image")
		in.emotionJSON, _ = cmd.Flags().GetString("emotion-json")
		in.emotionFile, _ = cmd.Flags().GetString("emotion-json-file")
		topK, _ := cmd.Flags().GetInt("top-k")
		return runRecommend(cmd.Context(), cmd.OutOrStdout(), in, topK)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <csv>",
	Short: "Import a labeled song CSV into the configured store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd.Context(), args[0])
	},
}

var labelCmd = &cobra.Command{
	Use:   "label <csv>",
	Short: "Score song lyrics with a chat model and write emotion columns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		return runLabel(cmd.Context(), args[0], out)
	},
}

func init() {
	analyzeCmd.Flags().StringP("image", "i", "", "Image URL, data URI or file path")
	_ = analyzeCmd.MarkFlagRequired("image")

	recommendCmd.Flags().StringP("image", "i", "", "Image URL, data URI or file path")
	recommendCmd.Flags().String("emotion-json", "", "Emotion result JSON, as printed by analyze")
	recommendCmd.Flags().String("emotion-json-file", "", "File holding emotion result JSON")
	recommendCmd.Flags().IntP("top-k", "k", 10, "Number of songs to return")
	recommendCmd.MarkFlagsMutuallyExclusive("image", "emotion-json", "emotion-json-file")
	recommendCmd.MarkFlagsOneRequired("image", "emotion-json", "emotion-json-file")

	labelCmd.Flags().StringP("out", "o", "", "Output CSV (default: overwrite the input)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(labelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
