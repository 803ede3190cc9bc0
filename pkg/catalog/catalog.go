package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 20 * time.Second
	defaultRetryMax = 3

	containsContentItemsPath   = "/api/v1/enterprise-catalogs/%s/contains_content_items/"
	distinctCatalogQueriesPath = "/api/v1/distinct-catalog-queries/"
)

var Module = fx.Module("catalog",
	fx.Provide(NewClient),
)

// Client talks to the enterprise catalog service. All methods are read only;
// failures mean the remote state is unknown, never that content is absent.
type Client interface {
	ContainsContentItems(ctx context.Context, catalogUUID string, contentIDs []string) (bool, error)
	GetDistinctCatalogQueries(ctx context.Context, catalogUUIDs []string) (*DistinctCatalogQueriesResponse, error)
}

type DistinctCatalogQueriesResponse struct {
	Count                        int                `json:"count"`
	CatalogQueryIDs              []int64            `json:"catalog_query_ids"`
	CatalogUUIDsByCatalogQueryID map[int64][]string `json:"catalog_uuids_by_catalog_query_id"`
}

type apiClient struct {
	http    *http.Client
	baseURL string
	token   string
}

type ClientParams struct {
	fx.In
	Config *config.Config
}

func NewClient(p ClientParams) Client {
	timeout := p.Config.Catalog.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryMax := p.Config.Catalog.RetryMax
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.HTTPClient.Timeout = timeout
	retryClient.Logger = leveledLogger{zap.L().Sugar().With("component", "catalog")}

	return &apiClient{
		http:    retryClient.StandardClient(),
		baseURL: strings.TrimRight(p.Config.Catalog.BaseURL, "/"),
		token:   p.Config.Catalog.Token,
	}
}

func (c *apiClient) ContainsContentItems(ctx context.Context, catalogUUID string, contentIDs []string) (bool, error) {
	endpoint := c.baseURL + fmt.Sprintf(containsContentItemsPath, catalogUUID)

	query := url.Values{}
	for _, id := range contentIDs {
		query.Add("course_run_ids", id)
	}
	endpoint += "?" + query.Encode()

	var body struct {
		ContainsContentItems *bool `json:"contains_content_items"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &body); err != nil {
		return false, err
	}

	// A response without the key means the catalog could not answer; treat
	// the content as not contained.
	if body.ContainsContentItems == nil {
		return false, nil
	}

	return *body.ContainsContentItems, nil
}

func (c *apiClient) GetDistinctCatalogQueries(ctx context.Context, catalogUUIDs []string) (*DistinctCatalogQueriesResponse, error) {
	endpoint := c.baseURL + distinctCatalogQueriesPath

	payload := map[string][]string{"enterprise_catalog_uuids": catalogUUIDs}

	var body DistinctCatalogQueriesResponse
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &body); err != nil {
		return nil, err
	}

	return &body, nil
}

func (c *apiClient) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errutil.Internal("failed to encode catalog request", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return errutil.Internal("failed to build catalog request", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errutil.ExternalService("catalog service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errutil.ExternalService(
			fmt.Sprintf("catalog service returned status %d", resp.StatusCode),
			nil,
		)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errutil.ExternalService("catalog service returned malformed response", err)
	}

	return nil
}

// leveledLogger adapts zap onto retryablehttp's LeveledLogger.
type leveledLogger struct {
	z *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.z.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.z.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.z.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.z.Warnw(msg, keysAndValues...)
}
