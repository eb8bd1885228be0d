package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/labelforge/labeld/internal/export"
	"github.com/labelforge/labeld/internal/redact"
)

var exportFlags struct {
	tenant        string
	queue         string
	schemaVersion string
	format        string
	output        string
	labeler       string
	sample        string
	limit         int
	offset        int
	redaction     string
	pseudonyms    bool
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a queue's labels to JSONL or CSV with a manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		exporter := export.New(store, nil)
		manifest, err := exporter.Run(rootCtx, exportFlags.tenant, exportFlags.queue,
			export.Format(exportFlags.format), export.Options{
				SchemaVersionID: exportFlags.schemaVersion,
				OutputPath:      exportFlags.output,
				LabelerID:       exportFlags.labeler,
				SampleID:        exportFlags.sample,
				Limit:           exportFlags.limit,
				Offset:          exportFlags.offset,
				RedactionMode:   redact.Mode(exportFlags.redaction),
				UsePseudonyms:   exportFlags.pseudonyms,
			})
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(manifest)
			return nil
		}
		fmt.Printf("exported %d rows to %s (%s)\n", manifest.RowCount, manifest.OutputPath, manifest.ExportID)
		fmt.Printf("manifest: %s\n", export.ManifestPath(manifest.OutputPath))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFlags.tenant, "tenant", "", "Tenant id (required)")
	exportCmd.Flags().StringVar(&exportFlags.queue, "queue", "", "Queue id (required)")
	exportCmd.Flags().StringVar(&exportFlags.schemaVersion, "schema-version", "", "Schema version id (required)")
	exportCmd.Flags().StringVar(&exportFlags.format, "format", "jsonl", "Output format: jsonl or csv")
	exportCmd.Flags().StringVar(&exportFlags.output, "output", "", "Output file path (required)")
	exportCmd.Flags().StringVar(&exportFlags.labeler, "labeler", "", "Restrict to one labeler id")
	exportCmd.Flags().StringVar(&exportFlags.sample, "sample", "", "Restrict to one sample id")
	exportCmd.Flags().IntVar(&exportFlags.limit, "limit", 0, "Maximum rows (0 = all)")
	exportCmd.Flags().IntVar(&exportFlags.offset, "offset", 0, "Rows to skip")
	exportCmd.Flags().StringVar(&exportFlags.redaction, "redaction", "", "Redaction mode: none, automatic, aggressive")
	exportCmd.Flags().BoolVar(&exportFlags.pseudonyms, "pseudonyms", false, "Replace labeler ids with pseudonyms")
	_ = exportCmd.MarkFlagRequired("tenant")
	_ = exportCmd.MarkFlagRequired("queue")
	_ = exportCmd.MarkFlagRequired("schema-version")
	_ = exportCmd.MarkFlagRequired("output")
}
