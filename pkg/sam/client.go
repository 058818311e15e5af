// Package sam provides a client for the SAM.gov Get Opportunities API and
// its attachment resources endpoint.
package sam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/resilience"
)

// ErrNotFound is returned when SAM.gov has no notice for the key.
var ErrNotFound = eris.New("sam: opportunity not found")

// Client defines the SAM.gov operations used by document acquisition.
type Client interface {
	// FetchResourceLinks returns the notice's published resource links.
	FetchResourceLinks(ctx context.Context, key model.NaturalKey) ([]string, error)
	// FetchDetails returns the notice's title, attachments and free-text
	// fields.
	FetchDetails(ctx context.Context, key model.NaturalKey) (*Details, error)
}

// Details is the subset of a SAM.gov notice that acquisition uses.
type Details struct {
	Title       string
	Attachments []model.Attachment
	// FreeText is keyed by the names acquisition understands:
	// description, summary, synopsis, additional_info, objective.
	FreeText map[string]string
}

// Option configures the SAM client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry overrides the retry policy for API calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a SAM.gov client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.sam.gov",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchResponse struct {
	TotalRecords      int              `json:"totalRecords"`
	OpportunitiesData []samOpportunity `json:"opportunitiesData"`
}

type samOpportunity struct {
	NoticeID           string   `json:"noticeId"`
	Title              string   `json:"title"`
	SolicitationNumber string   `json:"solicitationNumber"`
	Agency             string   `json:"fullParentPathName"`
	NAICS              string   `json:"naicsCode"`
	Description        string   `json:"description"`
	AdditionalInfoLink string   `json:"additionalInfoLink"`
	UILink             string   `json:"uiLink"`
	ResourceLinks      []string `json:"resourceLinks"`
}

type resourcesResponse struct {
	Embedded struct {
		AttachmentLists []struct {
			Attachments []samAttachment `json:"attachments"`
		} `json:"opportunityAttachmentList"`
	} `json:"_embedded"`
}

type samAttachment struct {
	ResourceID string `json:"resourceId"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	URI        string `json:"uri"`
	DeletedFlg string `json:"deletedFlag"`
}

func (c *httpClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	reqURL := c.baseURL + path + "?" + query.Encode()

	retry := c.retry
	retry.OnRetry = resilience.RetryLogger("sam", path)

	return resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "sam: create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "sam: get %s", path)
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "sam: read response body")
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(
				eris.Errorf("sam: status %d: %s", resp.StatusCode, truncate(body, 200)), resp.StatusCode)
		}
		return nil, eris.Errorf("sam: unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	})
}

// searchNotice looks the notice up by notice ID. SAM's search endpoint has no
// opportunity ID filter, so a key without a notice ID searches by
// solicitation number using the opportunity ID.
func (c *httpClient) searchNotice(ctx context.Context, key model.NaturalKey) (*samOpportunity, error) {
	q := url.Values{}
	q.Set("limit", "1")
	if key.NoticeID != "" {
		q.Set("noticeid", key.NoticeID)
	} else {
		q.Set("solnum", key.OpportunityID)
	}
	// The search API requires a posted-date window; a year covers any open notice.
	now := time.Now()
	q.Set("postedFrom", now.AddDate(-1, 0, 0).Format("01/02/2006"))
	q.Set("postedTo", now.Format("01/02/2006"))

	body, err := c.get(ctx, "/prod/opportunities/v2/search", q)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "sam: unmarshal search response")
	}
	if len(resp.OpportunitiesData) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "key %s", key)
	}
	return &resp.OpportunitiesData[0], nil
}

func (c *httpClient) FetchResourceLinks(ctx context.Context, key model.NaturalKey) ([]string, error) {
	opp, err := c.searchNotice(ctx, key)
	if err != nil {
		return nil, eris.Wrap(err, "sam: fetch resource links")
	}
	return opp.ResourceLinks, nil
}

func (c *httpClient) FetchDetails(ctx context.Context, key model.NaturalKey) (*Details, error) {
	details := &Details{FreeText: map[string]string{}}

	opp, err := c.searchNotice(ctx, key)
	switch {
	case err == nil:
		details.Title = opp.Title
		setText(details.FreeText, "description", opp.Description)
		setText(details.FreeText, "additional_info", opp.AdditionalInfoLink)
	case key.OpportunityID == "":
		return nil, eris.Wrap(err, "sam: fetch details")
	}

	if key.OpportunityID != "" {
		atts, err := c.fetchAttachments(ctx, key.OpportunityID)
		if err != nil {
			return nil, eris.Wrap(err, "sam: fetch details")
		}
		details.Attachments = atts
	}
	return details, nil
}

func (c *httpClient) fetchAttachments(ctx context.Context, opportunityID string) ([]model.Attachment, error) {
	path := fmt.Sprintf("/prod/opps/v3/opportunities/%s/resources", url.PathEscape(opportunityID))
	body, err := c.get(ctx, path, nil)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var resp resourcesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "sam: unmarshal resources response")
	}

	var out []model.Attachment
	for _, list := range resp.Embedded.AttachmentLists {
		for _, a := range list.Attachments {
			if a.DeletedFlg == "1" {
				continue
			}
			att := model.Attachment{Name: a.Name}
			switch {
			case a.Type == "link" && a.URI != "":
				att.URL = a.URI
			case a.ResourceID != "":
				att.URL = fmt.Sprintf("%s/prod/opps/v3/opportunities/resources/files/%s/download?api_key=%s",
					c.baseURL, url.PathEscape(a.ResourceID), url.QueryEscape(c.apiKey))
			default:
				continue
			}
			out = append(out, att)
		}
	}
	return out, nil
}

func setText(m map[string]string, field, value string) {
	if v := strings.TrimSpace(value); v != "" {
		m[field] = v
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
