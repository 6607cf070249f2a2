package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sidragent/internal/agents"
	"sidragent/internal/config"
	"sidragent/internal/embedding"
	"sidragent/internal/knowledge"
	"sidragent/internal/perception"
	"sidragent/internal/sidra"
	"sidragent/internal/store"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a natural language question with IBGE data",
	Long: `Runs the full pipeline for one question: plan, resolve identifiers,
fetch from the aggregates API and export the result as CSV.

Example:
  sidragent ask "Qual a inflação acumulada no último ano?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	question := strings.Join(args, " ")
	logger.Info("Processing question", zap.String("question", question))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	llm, err := perception.NewClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	kb, cleanup, err := openKnowledgeBase(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	api := sidra.NewClient(cfg.Sidra)

	pipeline, err := agents.NewPipeline(llm, kb, api, cfg.Output.Dir, cfg.Output.IncludeMetadata)
	if err != nil {
		return err
	}

	state, err := pipeline.Ask(ctx, question)
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}

	fmt.Println(state.Answer)
	return nil
}

// openKnowledgeBase opens the store and attaches the embedding engine. The
// engine is optional: without one the base degrades to keyword search.
func openKnowledgeBase(cfg *config.Config) (*knowledge.Base, func(), error) {
	s, err := store.New(cfg.Knowledge.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open knowledge store: %w", err)
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       cfg.Embedding.TaskType,
	})
	if err != nil {
		logger.Warn("Embedding engine unavailable, using keyword search", zap.Error(err))
		engine = nil
	}

	return knowledge.New(s, engine), func() { s.Close() }, nil
}
