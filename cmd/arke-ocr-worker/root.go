package main

import (
	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-ocr-service/internal/api"
	"github.com/Arke-Institute/arke-ocr-service/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "arke-ocr-worker",
	Short: "Chunked OCR processing worker",
	Long: `arke-ocr-worker accepts bounded chunks of page images for OCR, runs
them through a timer-driven FETCH -> PROCESS -> PUBLISH state machine,
writes extracted text back to the content-addressed entity store, and
reports the outcome to an orchestrator via callback.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.arke-ocr-worker/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "worker home directory (default: ~/.arke-ocr-worker)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "json", "output format for api commands: json or yaml",
	)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(apiCmd)
}
