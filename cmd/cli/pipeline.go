package main

import (
	"context"
	"fmt"
	"time"

	"faqforge/internal/config"
	"faqforge/internal/services"
	"faqforge/pkg/simsearch"

	"github.com/spf13/cobra"
)

// newAIClient builds the shared AI collaborator with the configured
// circuit breaker settings.
func newAIClient(cfg *config.Config) *services.OpenAIClient {
	var breaker *services.CircuitBreaker
	if cfg.Fallback.Enabled && cfg.Fallback.CircuitBreaker.Enabled {
		breaker = services.NewCircuitBreakerWithConfig(&services.CircuitBreakerConfig{
			MaxFailures:     cfg.Fallback.CircuitBreaker.MaxFailures,
			ResetTimeout:    cfg.Fallback.CircuitBreaker.ResetTimeout,
			HalfOpenMaxReqs: cfg.Fallback.CircuitBreaker.HalfOpenMaxReqs,
		})
	}
	return services.NewOpenAIClientWithBreaker(
		cfg.AI.OpenAI.APIKey, cfg.AI.OpenAI.BaseURL, cfg.AI.OpenAI.Model,
		cfg.AI.OpenAI.Temperature, cfg.AI.OpenAI.MaxTokens, cfg.AI.OpenAI.Timeout,
		breaker,
	)
}

var (
	assembleBatchSize int
	assembleCategory  string
	synthesizeDocID   uint
	pruneOlderThan    time.Duration
)

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble all unprocessed messages into documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, log, err := openDB()
		if err != nil {
			return err
		}

		ai := newAIClient(cfg)
		analyzer := services.NewConversationAnalyzer(ai, ai, cfg.Pipeline.MinAnswerConfidence, log)
		docs := services.NewDocumentService(db, log, analyzer, ai, cfg.Pipeline.BatchSize)

		result, err := docs.AssembleAllUnprocessed(context.Background(), assembleBatchSize, &services.AssembleOptions{
			Category:  assembleCategory,
			CreatedBy: "cli",
		})
		if result != nil {
			fmt.Printf("documents created: %d, messages processed: %d\n",
				result.DocumentsCreated, result.MessagesProcessed)
			for _, e := range result.Errors {
				fmt.Printf("  error: %s\n", e)
			}
		}
		return err
	},
}

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize",
	Short: "Generate FAQ entries from a completed document",
	RunE: func(cmd *cobra.Command, args []string) error {
		if synthesizeDocID == 0 {
			return fmt.Errorf("--document is required")
		}
		cfg, db, log, err := openDB()
		if err != nil {
			return err
		}

		ai := newAIClient(cfg)
		var similarity simsearch.SimilarityInterface
		if cfg.Similarity.Enabled {
			similarity = simsearch.NewClient(&simsearch.Config{
				BaseURL:    cfg.Similarity.BaseURL,
				APIKey:     cfg.Similarity.APIKey,
				IndexID:    cfg.Similarity.IndexID,
				Timeout:    cfg.Similarity.Timeout,
				MaxRetries: cfg.Similarity.MaxRetries,
				RetryDelay: cfg.Similarity.RetryDelay,
			}, log)
		}
		var redactor services.Redactor
		if cfg.Pipeline.RedactPII {
			redactor = services.RegexRedactor{}
		}
		faqs := services.NewFAQService(db, log, ai, similarity, redactor, services.FAQServiceConfig{
			DuplicateThreshold:  cfg.Pipeline.DuplicateThreshold,
			ReviewThreshold:     cfg.Pipeline.ReviewThreshold,
			MinAnswerConfidence: cfg.Pipeline.MinAnswerConfidence,
			GenerationDelay:     cfg.Pipeline.GenerationDelay,
			RequireApproval:     cfg.Pipeline.RequireApproval,
			TopK:                cfg.Similarity.TopK,
		})

		result, err := faqs.Synthesize(context.Background(), synthesizeDocID, &services.SynthesizeOptions{CreatedBy: "cli"})
		if result != nil {
			fmt.Printf("created: %d, duplicates found: %d, enhanced: %d, flagged: %d\n",
				result.Created, result.DuplicatesFound, result.DuplicatesEnhanced, result.PotentialDuplicates)
			for _, e := range result.Errors {
				fmt.Printf("  error: %s\n", e)
			}
		}
		return err
	},
}

var retryEventsCmd = &cobra.Command{
	Use:   "retry-events",
	Short: "Reprocess all FAILED webhook events",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, log, err := openDB()
		if err != nil {
			return err
		}
		ingest := services.NewIngestService(db, log)
		retried, succeeded, err := ingest.RetryFailedEvents(context.Background())
		fmt.Printf("retried: %d, succeeded: %d\n", retried, succeeded)
		return err
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete processed webhook events past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, log, err := openDB()
		if err != nil {
			return err
		}
		olderThan := pruneOlderThan
		if olderThan <= 0 {
			olderThan = cfg.Pipeline.EventRetention
		}
		ingest := services.NewIngestService(db, log)
		pruned, err := ingest.PruneEvents(context.Background(), olderThan)
		fmt.Printf("pruned: %d\n", pruned)
		return err
	},
}

func init() {
	assembleCmd.Flags().IntVar(&assembleBatchSize, "batch-size", 0, "messages per document (0 uses config)")
	assembleCmd.Flags().StringVar(&assembleCategory, "category", "", "category for assembled documents")
	synthesizeCmd.Flags().UintVar(&synthesizeDocID, "document", 0, "document id to synthesize from")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "retention window (0 uses config)")

	rootCmd.AddCommand(assembleCmd)
	rootCmd.AddCommand(synthesizeCmd)
	rootCmd.AddCommand(retryEventsCmd)
	rootCmd.AddCommand(pruneCmd)
}
