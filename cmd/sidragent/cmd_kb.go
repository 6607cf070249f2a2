package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sidragent/internal/knowledge"
)

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage the identifier knowledge base",
}

var (
	kbCSVPath string
	kbReset   bool
	kbTipo    string
	kbSearchK int
)

var kbLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load the identifiers catalog into the knowledge base",
	Long: `Reads the identifiers CSV (columns tipo,id,nome), embeds every entry
and stores the catalog. Reloading replaces existing entries.`,
	RunE: runKBLoad,
}

var kbSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKBSearch,
}

var kbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge base statistics",
	RunE:  runKBStats,
}

func init() {
	kbLoadCmd.Flags().StringVar(&kbCSVPath, "csv", "", "Catalog CSV path (default: from config)")
	kbLoadCmd.Flags().BoolVar(&kbReset, "reset", false, "Clear the knowledge base before loading")
	kbSearchCmd.Flags().StringVar(&kbTipo, "tipo", "", "Filter by tipo (assunto, variavel, nivel_territorial)")
	kbSearchCmd.Flags().IntVar(&kbSearchK, "top-k", 5, "Number of results")
}

func runKBLoad(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	csvPath := kbCSVPath
	if csvPath == "" {
		csvPath = cfg.Knowledge.IdentifiersCSV
	}

	kb, cleanup, err := openKnowledgeBase(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if kbReset {
		logger.Info("Clearing knowledge base before reload")
		if err := kb.Store().Clear(); err != nil {
			return fmt.Errorf("failed to clear knowledge base: %w", err)
		}
	}

	logger.Info("Loading identifiers catalog", zap.String("csv", csvPath))

	stats, err := kb.LoadIdentifiersCSV(ctx, csvPath)
	if err != nil {
		return fmt.Errorf("catalog load failed: %w", err)
	}

	fmt.Printf("Carregados %d identificadores em %d lotes (%d linhas ignoradas)\n",
		stats.Total, stats.Batches, stats.Skipped)
	if stats.Failed > 0 {
		fmt.Printf("Atenção: %d identificadores falharam e não foram carregados\n", stats.Failed)
	}
	for tipo, n := range stats.ByTipo {
		fmt.Printf("  %s: %d\n", tipo, n)
	}
	return nil
}

func runKBSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	kb, cleanup, err := openKnowledgeBase(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	query := args[0]
	matches, err := kb.Search(ctx, query, kbTipo, kbSearchK)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if len(matches) == 0 {
		fmt.Println("Nenhum identificador encontrado.")
		return nil
	}
	for _, m := range matches {
		if m.Similarity > 0 {
			fmt.Printf("%2d. [%.3f] %s: %s | %s\n", m.Rank, m.Similarity, m.Tipo, m.IBGEID, m.Nome)
		} else {
			fmt.Printf("%2d. %s: %s | %s\n", m.Rank, m.Tipo, m.IBGEID, m.Nome)
		}
	}
	return nil
}

func runKBStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	kb, cleanup, err := openKnowledgeBase(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	total, err := kb.Store().CountIdentifiers()
	if err != nil {
		return fmt.Errorf("failed to count identifiers: %w", err)
	}
	byTipo, err := kb.Store().CountByTipo()
	if err != nil {
		return fmt.Errorf("failed to count by tipo: %w", err)
	}

	fmt.Printf("Base de conhecimento: %s\n", cfg.Knowledge.DatabasePath)
	fmt.Printf("Total de identificadores: %d\n", total)
	for _, tipo := range []string{knowledge.TipoAssunto, knowledge.TipoVariavel, knowledge.TipoNivelTerritorial, knowledge.TipoClassificacao, knowledge.TipoPeriodicidade} {
		if n, ok := byTipo[tipo]; ok {
			fmt.Printf("  %s: %d\n", tipo, n)
		}
	}
	if kb.Store().HasVectorSearch() {
		fmt.Println("Busca vetorial: disponível")
	} else {
		fmt.Println("Busca vetorial: indisponível (apenas palavras-chave)")
	}
	return nil
}
