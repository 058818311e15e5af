package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/fetcher"
	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/store"
)

var (
	importCSVPath  string
	importJSONPath string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import opportunities from a SAM CSV export or a JSON file",
	Long:  "Upserts opportunity metadata keyed by opportunity id or notice id. Re-importing the same file updates records in place.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if (importCSVPath == "") == (importJSONPath == "") {
			return eris.New("exactly one of --csv or --json is required")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		path := importCSVPath
		if path == "" {
			path = importJSONPath
		}
		f, err := os.Open(path)
		if err != nil {
			return eris.Wrap(err, "open import file")
		}
		defer f.Close() //nolint:errcheck

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var res importResult
		if importCSVPath != "" {
			rows, errs := fetcher.StreamCSVRecords(ctx, f, fetcher.CSVOptions{LazyQuotes: true})
			res, err = importStream(ctx, st, rows, errs, opportunityFromCSV)
		} else {
			rows, errs := fetcher.DecodeJSONStream[model.Opportunity](ctx, f)
			res, err = importStream(ctx, st, rows, errs, func(o model.Opportunity) model.Opportunity { return o })
		}
		if err != nil {
			return eris.Wrap(err, "import")
		}

		zap.L().Info("import complete",
			zap.Int("imported", res.Imported),
			zap.Int("skipped", res.Skipped),
			zap.String("file", path),
		)
		return nil
	},
}

type importResult struct {
	Imported int
	Skipped  int
}

// importStream upserts every converted row. Rows without a key are skipped.
func importStream[T any](ctx context.Context, st store.Store, rows <-chan T, errs <-chan error, convert func(T) model.Opportunity) (importResult, error) {
	var res importResult
	for row := range rows {
		opp := convert(row)
		key := opp.Key()
		if err := key.Validate(); err != nil {
			res.Skipped++
			zap.L().Debug("import: row without opportunity or notice id", zap.String("title", opp.Title))
			continue
		}
		if _, err := st.UpsertOpportunity(ctx, key, model.OpportunityFields{
			OpportunityID: key.OpportunityID,
			NoticeID:      key.NoticeID,
			Title:         opp.Title,
			Opportunity:   &opp,
		}); err != nil {
			return res, eris.Wrapf(err, "upsert %s", key)
		}
		res.Imported++
	}
	if err := <-errs; err != nil {
		return res, err
	}
	return res, nil
}

// Header aliases accepted for each field; SAM exports use the first form.
var (
	csvOpportunityID = []string{"OpportunityId", "opportunity_id"}
	csvNoticeID      = []string{"NoticeId", "notice_id"}
	csvTitle         = []string{"Title", "title"}
	csvAgency        = []string{"Department/Ind.Agency", "Agency", "agency"}
	csvNAICS         = []string{"NaicsCode", "naics"}
	csvPosted        = []string{"PostedDate", "posted_date"}
	csvResponse      = []string{"ResponseDeadLine", "response_date"}
	csvResources     = []string{"ResourceLinks", "resource_links"}
	csvDescription   = []string{"Description", "description"}
	csvAdditional    = []string{"AdditionalInfoLink", "additional_info"}
)

// csvMetadata maps export columns kept as opaque metadata.
var csvMetadata = map[string]string{
	"Sol#":     "solicitation_number",
	"Type":     "notice_type",
	"BaseType": "base_type",
	"SetASide": "set_aside",
	"Sub-Tier": "sub_tier",
	"Office":   "office",
	"Link":     "ui_link",
	"PopCity":  "pop_city",
	"PopState": "pop_state",
	"Active":   "active",
}

func opportunityFromCSV(row map[string]string) model.Opportunity {
	opp := model.Opportunity{
		OpportunityID: column(row, csvOpportunityID),
		NoticeID:      column(row, csvNoticeID),
		Title:         column(row, csvTitle),
		Agency:        column(row, csvAgency),
		NAICS:         column(row, csvNAICS),
		PostedDate:    parseDate(column(row, csvPosted)),
		ResponseDate:  parseDate(column(row, csvResponse)),
	}
	for _, l := range strings.FieldsFunc(column(row, csvResources), func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '\n'
	}) {
		opp.ResourceLinks = append(opp.ResourceLinks, l)
	}

	free := map[string]string{}
	if v := column(row, csvDescription); v != "" {
		free["description"] = v
	}
	if v := column(row, csvAdditional); v != "" {
		free["additional_info"] = v
	}
	if len(free) > 0 {
		opp.FreeText = free
	}

	meta := map[string]any{}
	for col, name := range csvMetadata {
		if v := row[col]; v != "" {
			meta[name] = v
		}
	}
	if len(meta) > 0 {
		opp.Metadata = meta
	}
	return opp
}

func column(row map[string]string, names []string) string {
	for _, n := range names {
		if v := strings.TrimSpace(row[n]); v != "" {
			return v
		}
	}
	return ""
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05.000-07",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to a SAM contract opportunities CSV export")
	importCmd.Flags().StringVar(&importJSONPath, "json", "", "path to a JSON array or JSON lines file of opportunities")
	rootCmd.AddCommand(importCmd)
}
