// Package acquire gathers the source documents for an opportunity through an
// ordered cascade of tiers: resource links, detail attachments, free-text
// fields and finally the title.
package acquire

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/config"
	"github.com/sells-group/bid-analyzer/internal/fetcher"
	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/textextract"
	"github.com/sells-group/bid-analyzer/pkg/sam"
)

// ErrAcquisitionExhausted is returned when every tier yields nothing.
var ErrAcquisitionExhausted = eris.New("acquire: no documents and no title")

// OpportunitySource is the remote metadata service (SAM.gov).
type OpportunitySource interface {
	FetchResourceLinks(ctx context.Context, key model.NaturalKey) ([]string, error)
	FetchDetails(ctx context.Context, key model.NaturalKey) (*sam.Details, error)
}

// Tier names one step of the cascade.
type Tier string

const (
	TierResourceLinks Tier = "resource_links"
	TierAttachments   Tier = "attachments"
	TierFreeText      Tier = "free_text"
	TierTitle         Tier = "title"
)

// Tiers returns the cascade order.
func Tiers() []Tier {
	return []Tier{TierResourceLinks, TierAttachments, TierFreeText, TierTitle}
}

// TierResult is what one tier produced. Errs holds per-item failures that
// did not stop the tier.
type TierResult struct {
	Tier      Tier
	Documents []model.Document
	Errs      []error
}

// Result is the outcome of a cascade.
type Result struct {
	Documents []model.Document
	// Tier is the tier that produced Documents.
	Tier     Tier
	Attempts []TierResult
	// Title is the effective title after merging fetched details.
	Title string
}

// Options configures a Cascade.
type Options struct {
	DocumentDir    string
	FreeTextFields []string
	// Concurrency bounds parallel downloads within a tier.
	Concurrency int
}

// OptionsFromConfig builds Options from the acquisition config section.
func OptionsFromConfig(cfg config.AcquisitionConfig) Options {
	return Options{
		DocumentDir:    cfg.DocumentDir,
		FreeTextFields: cfg.FreeTextFields,
		Concurrency:    cfg.Concurrency,
	}
}

// Cascade runs the acquisition tiers for one opportunity at a time. It is
// safe for concurrent use by multiple runs.
type Cascade struct {
	source    OpportunitySource
	fetch     fetcher.Fetcher
	extractor textextract.Extractor
	limiter   *fetcher.IntervalLimiter
	opts      Options
}

// New creates a Cascade. source may be nil, in which case only stored
// metadata is used. limiter spaces calls to source and may be nil.
func New(source OpportunitySource, fetch fetcher.Fetcher, extractor textextract.Extractor, limiter *fetcher.IntervalLimiter, opts Options) *Cascade {
	if limiter == nil {
		limiter = fetcher.NewIntervalLimiter(0)
	}
	if len(opts.FreeTextFields) == 0 {
		opts.FreeTextFields = config.DefaultFreeTextFields
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.DocumentDir == "" {
		opts.DocumentDir = "documents"
	}
	return &Cascade{
		source:    source,
		fetch:     fetch,
		extractor: extractor,
		limiter:   limiter,
		opts:      opts,
	}
}

// run carries the per-opportunity state threaded through the tiers.
type run struct {
	opp model.Opportunity
	dir string
	log *zap.Logger
}

// Acquire walks the tiers in order and stops at the first that yields at
// least one usable document. Context cancellation is returned as an error;
// everything else short of total exhaustion is recorded in the attempts.
func (c *Cascade) Acquire(ctx context.Context, opp model.Opportunity) (*Result, error) {
	r := &run{
		opp: cloneOpportunity(opp),
		dir: opportunityDir(c.opts.DocumentDir, opp.Key()),
		log: zap.L().With(zap.String("opportunity", opp.Key().String())),
	}

	tiers := []struct {
		tier Tier
		fn   func(context.Context, *run) TierResult
	}{
		{TierResourceLinks, c.resourceLinks},
		{TierAttachments, c.attachments},
		{TierFreeText, c.freeText},
		{TierTitle, c.title},
	}

	res := &Result{}
	for _, t := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "acquire: cancelled")
		}

		tr := t.fn(ctx, r)
		tr.Tier = t.tier
		res.Attempts = append(res.Attempts, tr)

		for _, err := range tr.Errs {
			r.log.Debug("acquire: tier item failed", zap.String("tier", string(t.tier)), zap.Error(err))
		}
		if len(tr.Documents) > 0 {
			res.Documents = tr.Documents
			res.Tier = t.tier
			res.Title = r.opp.Title
			r.log.Info("acquire: documents acquired",
				zap.String("tier", string(t.tier)),
				zap.Int("documents", len(tr.Documents)),
				zap.Int("errors", len(tr.Errs)),
			)
			return res, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "acquire: cancelled")
	}
	res.Title = r.opp.Title
	return res, eris.Wrapf(ErrAcquisitionExhausted, "opportunity %s", opp.Key())
}

func (c *Cascade) resourceLinks(ctx context.Context, r *run) TierResult {
	var tr TierResult
	links := r.opp.ResourceLinks
	if len(links) == 0 && c.source != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			tr.Errs = append(tr.Errs, err)
			return tr
		}
		fetched, err := c.source.FetchResourceLinks(ctx, r.opp.Key())
		if err != nil {
			tr.Errs = append(tr.Errs, eris.Wrap(err, "acquire: fetch resource links"))
			return tr
		}
		links = fetched
	}

	items := make([]downloadItem, 0, len(links))
	for _, l := range links {
		if l = strings.TrimSpace(l); l != "" {
			items = append(items, downloadItem{url: l})
		}
	}
	tr.Documents, tr.Errs = c.downloadAll(ctx, r, items, model.OriginResourceLink, tr.Errs)
	return tr
}

func (c *Cascade) attachments(ctx context.Context, r *run) TierResult {
	var tr TierResult
	atts := r.opp.Attachments

	if c.source != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			tr.Errs = append(tr.Errs, err)
			return tr
		}
		details, err := c.source.FetchDetails(ctx, r.opp.Key())
		if err != nil {
			tr.Errs = append(tr.Errs, eris.Wrap(err, "acquire: fetch details"))
		} else {
			r.mergeDetails(details)
			atts = append(atts, details.Attachments...)
		}
	}

	items := make([]downloadItem, 0, len(atts))
	seen := make(map[string]bool, len(atts))
	for _, a := range atts {
		u := strings.TrimSpace(a.URL)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		items = append(items, downloadItem{name: a.Name, url: u})
	}
	tr.Documents, tr.Errs = c.downloadAll(ctx, r, items, model.OriginAttachment, tr.Errs)
	return tr
}

// mergeDetails fills in title and free text learned from the source. Stored
// values win.
func (r *run) mergeDetails(d *sam.Details) {
	if strings.TrimSpace(r.opp.Title) == "" {
		r.opp.Title = strings.TrimSpace(d.Title)
	}
	for k, v := range d.FreeText {
		if strings.TrimSpace(r.opp.FreeText[k]) == "" {
			r.opp.FreeText[k] = v
		}
	}
}

func (c *Cascade) freeText(_ context.Context, r *run) TierResult {
	var (
		tr    TierResult
		parts []string
	)
	for _, field := range c.opts.FreeTextFields {
		v := strings.TrimSpace(r.opp.FreeText[field])
		if v == "" || isURLOnly(v) {
			continue
		}
		if textextract.LooksLikeHTML(v) {
			v = textextract.HTMLToText(v)
		}
		if v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return tr
	}
	tr.Documents = []model.Document{{
		Name:      "opportunity-description.txt",
		Origin:    model.OriginFreeText,
		RawText:   strings.Join(parts, "\n\n"),
		PageCount: 1,
	}}
	return tr
}

func (c *Cascade) title(_ context.Context, r *run) TierResult {
	var tr TierResult
	if t := strings.TrimSpace(r.opp.Title); t != "" {
		tr.Documents = []model.Document{{
			Name:      "opportunity-title.txt",
			Origin:    model.OriginTitle,
			RawText:   t,
			PageCount: 1,
		}}
	}
	return tr
}

// isURLOnly reports whether v is a bare link (SAM.gov returns the
// description field as a URL to a separate endpoint).
func isURLOnly(v string) bool {
	return !strings.ContainsAny(v, " \t\n") && fetcher.IsDownloadable(v)
}

func cloneOpportunity(o model.Opportunity) model.Opportunity {
	out := o
	out.FreeText = make(map[string]string, len(o.FreeText))
	for k, v := range o.FreeText {
		out.FreeText[k] = v
	}
	out.Attachments = append([]model.Attachment(nil), o.Attachments...)
	return out
}
