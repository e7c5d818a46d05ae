// Package marketplace is a client for the GPU offer marketplace: offer
// search, instance creation (renting) and instance destruction.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/query"
)

// DefaultBaseURL is the public marketplace API root.
const DefaultBaseURL = "https://console.vast.ai/api/v0"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Offer is a rentable machine as advertised by the marketplace.
type Offer struct {
	ID           int64   `json:"id"`
	PricePerHour float64 `json:"dph_total"`
	GPURAM       float64 `json:"gpu_ram"`
	TotalFlops   float64 `json:"total_flops"`
	Rentable     bool    `json:"rentable"`
	GPUName      string  `json:"gpu_name,omitempty"`
	NumGPUs      int     `json:"num_gpus,omitempty"`
	MachineID    int64   `json:"machine_id,omitempty"`
	Reliability  float64 `json:"reliability2,omitempty"`
}

// Instance is a running contract as reported by the instances listing.
type Instance struct {
	ID           int64   `json:"id"`
	Label        string  `json:"label"`
	ActualStatus string  `json:"actual_status"`
	MachineID    int64   `json:"machine_id"`
	StartDate    float64 `json:"start_date"`
}

// CreateRequest describes the container to start on a rented offer.
type CreateRequest struct {
	Image   string
	Env     map[string]string
	DiskGB  float64
	OnStart string
	Label   string
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	Log          *logger.Logger
}

// Client talks to the marketplace REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
	log     *logger.Logger
}

// New returns a client with retrying transport.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault()
	}
	log := cfg.Log.WithComponent("marketplace")

	rc := retryablehttp.NewClient()
	rc.Logger = log
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    rc,
		log:     log,
	}
}

// checkRetry never replays a PUT that got an answer: a rental the server
// accepted but whose response was a 5xx would otherwise be rented twice.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.Request != nil && resp.Request.Method == http.MethodPut &&
		resp.StatusCode != http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// SearchOffers returns rentable offers priced at or below maxPrice per hour,
// cheapest first and, at equal price, fastest first. Extra filters use the
// query language and narrow the search further. No match is an empty slice.
func (c *Client) SearchOffers(ctx context.Context, maxPrice float64, filters ...string) ([]Offer, error) {
	const op = "marketplace.search"

	q := query.Query{
		"dph_total": {"lte": maxPrice},
		"rentable":  {"eq": true},
	}
	q, warnings, err := query.OfferParser().ParseInto(q, filters...)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		c.log.Warn("offer filter", "warning", w)
	}

	body := make(map[string]any, len(q)+2)
	for field, constraint := range q {
		body[field] = constraint
	}
	body["order"] = [][]string{{"dph_total", "asc"}, {"total_flops", "desc"}}
	body["type"] = "on-demand"

	var out struct {
		Offers []Offer `json:"offers"`
	}
	if err := c.do(ctx, op, http.MethodPost, "/bundles/", body, &out); err != nil {
		return nil, err
	}

	offers := out.Offers
	if offers == nil {
		offers = []Offer{}
	}
	SortOffers(offers)

	c.log.Debug("offers found", "count", len(offers), "max_price", maxPrice, "query", q.String())
	return offers, nil
}

// SortOffers orders offers by ascending price, then descending throughput.
func SortOffers(offers []Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].PricePerHour != offers[j].PricePerHour {
			return offers[i].PricePerHour < offers[j].PricePerHour
		}
		return offers[i].TotalFlops > offers[j].TotalFlops
	})
}

// CreateInstance rents offerID and starts req.Image on it. A lost race for
// the offer is reported as an OfferUnavailable error.
func (c *Client) CreateInstance(ctx context.Context, offerID int64, req CreateRequest) (models.Node, error) {
	const op = "marketplace.create"

	env := req.Env
	if env == nil {
		env = map[string]string{}
	}
	body := map[string]any{
		"client_id": "me",
		"image":     req.Image,
		"env":       env,
		"disk":      req.DiskGB,
		"onstart":   req.OnStart,
		"label":     req.Label,
		"runtype":   "args",
	}

	var out struct {
		Success     bool   `json:"success"`
		NewContract int64  `json:"new_contract"`
		Error       string `json:"error"`
		Msg         string `json:"msg"`
	}
	err := c.do(ctx, op, http.MethodPut, fmt.Sprintf("/asks/%d/", offerID), body, &out)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) && e.Code == errors.CodeMarketplace && offerGone(e) {
			return models.Node{}, errors.OfferUnavailable(offerID, statusField(e), bodyField(e))
		}
		return models.Node{}, err
	}
	if !out.Success || out.NewContract == 0 {
		return models.Node{}, errors.OfferUnavailable(offerID, http.StatusOK, strings.TrimSpace(out.Error+" "+out.Msg))
	}

	c.log.WithNodeID(out.NewContract).Info("instance created", "offer_id", offerID, "image", req.Image)
	return models.Node{
		OfferID:    offerID,
		InstanceID: out.NewContract,
		State:      models.NodeActive,
		Label:      req.Label,
		RentedAt:   time.Now().UTC(),
	}, nil
}

// DestroyInstance tears down an instance. An instance that is already gone
// counts as destroyed.
func (c *Client) DestroyInstance(ctx context.Context, instanceID int64) error {
	const op = "marketplace.destroy"

	err := c.do(ctx, op, http.MethodDelete, fmt.Sprintf("/instances/%d/", instanceID), nil, nil)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) && e.Code == errors.CodeMarketplace && statusField(e) == http.StatusNotFound {
			c.log.WithNodeID(instanceID).Debug("instance already gone")
			return nil
		}
		return err
	}
	c.log.WithNodeID(instanceID).Info("instance destroyed")
	return nil
}

// ListInstances returns the caller's instances carrying label. An empty
// label returns every instance.
func (c *Client) ListInstances(ctx context.Context, label string) ([]Instance, error) {
	const op = "marketplace.list"

	var out struct {
		Instances []Instance `json:"instances"`
	}
	if err := c.do(ctx, op, http.MethodGet, "/instances/?owner=me", nil, &out); err != nil {
		return nil, err
	}
	if label == "" {
		return out.Instances, nil
	}
	matched := make([]Instance, 0, len(out.Instances))
	for _, in := range out.Instances {
		if in.Label == label {
			matched = append(matched, in)
		}
	}
	return matched, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, op, "encode request")
		}
		payload = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return errors.Wrap(err, op, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "marketplace unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errors.Marketplace(op, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return errors.Wrap(err, op, "decode response")
	}
	return nil
}

// offerGone reports whether a create failure means someone else took the
// offer. Auth and rate-limit failures are systemic and excluded.
func offerGone(e *errors.Error) bool {
	switch statusField(e) {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusGone:
		return true
	}
	return false
}

func statusField(e *errors.Error) int {
	n, _ := e.Fields["status"].(int)
	return n
}

func bodyField(e *errors.Error) string {
	s, _ := e.Fields["body"].(string)
	return s
}
