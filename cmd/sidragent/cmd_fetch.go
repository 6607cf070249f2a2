package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sidragent/internal/sidra"
	"sidragent/internal/tabular"
)

var (
	fetchAggregate       string
	fetchPeriod          string
	fetchVariable        string
	fetchLocalities      string
	fetchClassifications []string
	fetchName            string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch one aggregate table directly, bypassing the agents",
	Long: `Fetches data for explicit identifiers and exports the flat table as
CSV. Useful when the aggregate, period and variable are already known.

Example:
  sidragent fetch --aggregate 1419 --period 202507 --variable 63 \
    --localities "N1[all]" --classification "315[all]"`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchAggregate, "aggregate", "", "Aggregate table id (required)")
	fetchCmd.Flags().StringVar(&fetchPeriod, "period", "", "Period id (required)")
	fetchCmd.Flags().StringVar(&fetchVariable, "variable", "", "Variable id (required)")
	fetchCmd.Flags().StringVar(&fetchLocalities, "localities", "N1[all]", "Localities expression")
	fetchCmd.Flags().StringSliceVar(&fetchClassifications, "classification", nil, "Classification selections, e.g. 315[all] or 315[7169,7170]")
	fetchCmd.Flags().StringVar(&fetchName, "name", "", "Export file name (default: aggregate id)")
	fetchCmd.MarkFlagRequired("aggregate")
	fetchCmd.MarkFlagRequired("period")
	fetchCmd.MarkFlagRequired("variable")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	classifications, err := parseClassificationFlags(fetchClassifications)
	if err != nil {
		return err
	}

	api := sidra.NewClient(cfg.Sidra)
	logger.Info("Fetching aggregate data",
		zap.String("aggregate", fetchAggregate),
		zap.String("period", fetchPeriod),
		zap.String("variable", fetchVariable))

	data, err := api.FetchData(ctx, sidra.DataRequest{
		AggregateID:     fetchAggregate,
		PeriodID:        fetchPeriod,
		VariableID:      fetchVariable,
		Localities:      fetchLocalities,
		Classifications: classifications,
	})
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}

	frame := tabular.Flatten(data)
	if len(frame.Rows) == 0 {
		return fmt.Errorf("the query returned no observations")
	}

	name := fetchName
	if name == "" {
		name = "agregado_" + fetchAggregate
	}
	result, err := tabular.WriteCSV(frame, cfg.Output.Dir, name, cfg.Output.IncludeMetadata)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Printf("Exportadas %d linhas para %s\n", result.Rows, result.CSVPath)
	if result.MetadataPath != "" {
		fmt.Printf("Metadados em %s\n", result.MetadataPath)
	}
	return nil
}

// parseClassificationFlags turns "315[all]" / "315[7169,7170]" flags into
// the request map.
func parseClassificationFlags(flags []string) (map[string][]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(flags))
	for _, f := range flags {
		open := strings.Index(f, "[")
		if open <= 0 || !strings.HasSuffix(f, "]") {
			return nil, fmt.Errorf("invalid classification %q (expected id[all] or id[c1,c2])", f)
		}
		id := f[:open]
		inner := f[open+1 : len(f)-1]
		if inner == "all" || inner == "" {
			out[id] = nil
			continue
		}
		out[id] = strings.Split(inner, ",")
	}
	return out, nil
}
