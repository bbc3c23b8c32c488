package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-ocr-service/internal/api"
	"github.com/Arke-Institute/arke-ocr-service/internal/chunkworker"
)

var (
	statusBatchID string
	statusChunkID string
)

var (
	statusLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	statusOKStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	statusErrStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	statusWarnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Pretty-print a chunk's processing status",
	Long: `Poll a running worker's /status endpoint once and render it for a
human operator, rather than the raw JSON/YAML "api status" gives.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.NewClient(serverURL)
		var resp chunkworker.StatusResponse
		path := fmt.Sprintf("/status?batch_id=%s&chunk_id=%s", statusBatchID, statusChunkID)
		if err := client.Get(cmd.Context(), path, &resp); err != nil {
			return err
		}
		fmt.Println(renderStatus(resp))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusBatchID, "batch-id", "", "batch ID (required)")
	statusCmd.Flags().StringVar(&statusChunkID, "chunk-id", "", "chunk ID (required)")
	statusCmd.MarkFlagRequired("batch-id")
	statusCmd.MarkFlagRequired("chunk-id")

	rootCmd.AddCommand(statusCmd)
}

func renderStatus(resp chunkworker.StatusResponse) string {
	statusStyle := statusOKStyle
	switch resp.Status {
	case "error", "not_found":
		statusStyle = statusErrStyle
	case "processing":
		statusStyle = statusWarnStyle
	}

	lines := []string{
		statusLabelStyle.Render("status:") + " " + statusStyle.Render(resp.Status),
		statusLabelStyle.Render("phase:") + "  " + resp.Phase,
	}

	if resp.Progress != nil {
		p := resp.Progress
		lines = append(lines, statusLabelStyle.Render("refs:")+fmt.Sprintf(
			"   total=%d completed=%d failed=%d skipped=%d pending=%d",
			p.TotalRefs, p.Completed, p.Failed, p.Skipped, p.Pending))
	}
	if resp.Backoff != nil && resp.Backoff.BackoffUntil != "" {
		lines = append(lines, statusLabelStyle.Render("backoff:")+fmt.Sprintf(
			" consecutive_errors=%d until=%s", resp.Backoff.ConsecutiveErrors, resp.Backoff.BackoffUntil))
	}
	if resp.Error != "" {
		lines = append(lines, statusErrStyle.Render("error: ")+resp.Error)
	}
	for _, entry := range resp.DebugLog {
		lines = append(lines, lipgloss.NewStyle().Faint(true).Render("  "+entry))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
