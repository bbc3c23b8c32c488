package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-ocr-service/internal/api"
	"github.com/Arke-Institute/arke-ocr-service/internal/chunkworker"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Call a running worker's HTTP API",
	Long: `API commands call a running arke-ocr-worker server over HTTP.

These commands require a running server (arke-ocr-worker serve).
Use --server to point at a non-default address.`,
}

func init() {
	apiCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "worker server URL")

	apiCmd.AddCommand(apiHealthCmd, apiProcessCmd, apiStatusCmd)
}

var apiHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.NewClient(serverURL)
		var resp map[string]any
		if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
			return err
		}
		return api.Output(resp)
	},
}

var (
	apiProcessBatchID string
	apiProcessChunkID string
	apiProcessPIs     []string
)

var apiProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Submit a chunk of PIs for OCR processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := chunkworker.ProcessRequest{
			BatchID: apiProcessBatchID,
			ChunkID: apiProcessChunkID,
		}
		for _, pi := range apiProcessPIs {
			req.PIs = append(req.PIs, chunkworker.ProcessPI{PI: pi})
		}

		client := api.NewClient(serverURL)
		var resp chunkworker.ProcessResponse
		if err := client.Post(cmd.Context(), "/process", req, &resp); err != nil {
			return err
		}
		return api.Output(resp)
	},
}

var (
	apiStatusBatchID string
	apiStatusChunkID string
)

var apiStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read a chunk's processing status",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/status?batch_id=%s&chunk_id=%s", apiStatusBatchID, apiStatusChunkID)

		client := api.NewClient(serverURL)
		var resp chunkworker.StatusResponse
		if err := client.Get(cmd.Context(), path, &resp); err != nil {
			return err
		}
		return api.Output(resp)
	},
}

func init() {
	apiProcessCmd.Flags().StringVar(&apiProcessBatchID, "batch-id", "", "batch ID (required)")
	apiProcessCmd.Flags().StringVar(&apiProcessChunkID, "chunk-id", "", "chunk ID (required)")
	apiProcessCmd.Flags().StringSliceVar(&apiProcessPIs, "pi", nil, "PI to process, repeatable")
	apiProcessCmd.MarkFlagRequired("batch-id")
	apiProcessCmd.MarkFlagRequired("chunk-id")

	apiStatusCmd.Flags().StringVar(&apiStatusBatchID, "batch-id", "", "batch ID (required)")
	apiStatusCmd.Flags().StringVar(&apiStatusChunkID, "chunk-id", "", "chunk ID (required)")
	apiStatusCmd.MarkFlagRequired("batch-id")
	apiStatusCmd.MarkFlagRequired("chunk-id")
}
