// Package datasetstore loads the frozen train/test evaluation datasets
// that the Evaluator runs candidate prompts against. A dataset is
// identified by an immutable (name, version) pair on the same tracing
// service the Trace Store Client talks to.
package datasetstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidalline/autotune/internal/models"
	"github.com/tidalline/autotune/internal/retry"
)

const itemPageSize = 100

// Store fetches dataset rows keyed by (name, version) and splits them by
// their recorded "split" metadata into train/test/adhoc slices.
type Store struct {
	host       string
	publicKey  string
	secretKey  string
	httpClient *http.Client
}

func New(host, publicKey, secretKey string) *Store {
	return &Store{
		host:       host,
		publicKey:  publicKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type wireDataset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireDatasetItem struct {
	ID       string         `json:"id"`
	Input    map[string]any `json:"input"`
	Expected any            `json:"expectedOutput"`
	Metadata map[string]any `json:"metadata"`
}

type itemPage struct {
	Data []wireDatasetItem `json:"data"`
	Meta struct {
		Page       int `json:"page"`
		TotalPages int `json:"totalPages"`
	} `json:"meta"`
}

// Dataset is a fully-materialized frozen dataset, sliced by split.
type Dataset struct {
	Name    string
	Version string
	Train   []models.DatasetRow
	Test    []models.DatasetRow
	AdHoc   []models.DatasetRow
}

// RowsForSplit returns the rows for one split, or nil if the split has no
// rows — callers must treat an empty train or test split as "dataset
// missing" per the error-handling table, never silently promoting without
// it.
func (d Dataset) RowsForSplit(split models.Split) []models.DatasetRow {
	switch split {
	case models.SplitTrain:
		return d.Train
	case models.SplitTest:
		return d.Test
	default:
		return d.AdHoc
	}
}

// Load fetches every item of the named (and optionally versioned) dataset
// and slices it into splits.
func (s *Store) Load(ctx context.Context, name, version string) (*Dataset, error) {
	var ds wireDataset
	err := retry.Do(ctx, retry.Standard, func(ctx context.Context, attempt int) error {
		return s.getJSON(ctx, "/api/public/datasets/"+url.PathEscape(name), &ds)
	})
	if err != nil {
		return nil, fmt.Errorf("datasetstore: load dataset %s: %w", name, err)
	}

	out := &Dataset{Name: name, Version: version}
	page := 1
	for {
		q := url.Values{}
		q.Set("datasetName", name)
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(itemPageSize))
		if version != "" {
			q.Set("version", version)
		}

		var resp itemPage
		err := retry.Do(ctx, retry.Standard, func(ctx context.Context, attempt int) error {
			return s.getJSON(ctx, "/api/public/dataset-items?"+q.Encode(), &resp)
		})
		if err != nil {
			return nil, fmt.Errorf("datasetstore: load dataset items for %s: %w", name, err)
		}

		for _, item := range resp.Data {
			row, err := wireItemToRow(item)
			if err != nil {
				return nil, fmt.Errorf("datasetstore: dataset %s item %s: %w", name, item.ID, err)
			}
			switch splitOf(item) {
			case models.SplitTrain:
				out.Train = append(out.Train, row)
			case models.SplitTest:
				out.Test = append(out.Test, row)
			default:
				out.AdHoc = append(out.AdHoc, row)
			}
		}

		if page >= resp.Meta.TotalPages || len(resp.Data) == 0 {
			break
		}
		page++
	}

	return out, nil
}

func splitOf(item wireDatasetItem) models.Split {
	if item.Metadata != nil {
		if v, ok := item.Metadata["split"].(string); ok {
			switch models.Split(v) {
			case models.SplitTrain, models.SplitTest:
				return models.Split(v)
			}
		}
	}
	return models.SplitAdHoc
}

func wireItemToRow(item wireDatasetItem) (models.DatasetRow, error) {
	row := models.DatasetRow{
		CaseID:   item.ID,
		Metadata: map[string]string{},
	}
	if s, ok := item.Expected.(string); ok {
		row.Expected = s
	}
	for k, v := range item.Metadata {
		if s, ok := v.(string); ok {
			row.Metadata[k] = s
		}
	}

	profile := models.SimulatedUserProfile{}
	if su, ok := item.Input["simulated_user"].(map[string]any); ok {
		var err error
		profile, err = profileFromMap(su)
		if err != nil {
			return models.DatasetRow{}, err
		}
	}
	row.Input = profile
	if err := row.Input.Validate(); err != nil {
		return models.DatasetRow{}, err
	}
	return row, nil
}

// simulatedUserProfileKeys is the closed set of keys a simulated_user
// object may carry; profileFromMap rejects anything outside it rather
// than silently discarding it.
var simulatedUserProfileKeys = map[string]struct{}{
	"text":            {},
	"attitude":        {},
	"tone":            {},
	"cooperativeness": {},
	"verbosity":       {},
	"patience":        {},
	"goal":            {},
	"needs_emergency": {},
}

func profileFromMap(m map[string]any) (models.SimulatedUserProfile, error) {
	for key := range m {
		if _, ok := simulatedUserProfileKeys[key]; !ok {
			return models.SimulatedUserProfile{}, &models.EnumError{Field: "simulated_user", Value: key}
		}
	}
	str := func(key string) string {
		if v, ok := m[key].(string); ok {
			return v
		}
		return ""
	}
	b, _ := m["needs_emergency"].(bool)
	return models.SimulatedUserProfile{
		Text:            str("text"),
		Attitude:        str("attitude"),
		Tone:            str("tone"),
		Cooperativeness: str("cooperativeness"),
		Verbosity:       str("verbosity"),
		Patience:        str("patience"),
		Goal:            str("goal"),
		NeedsEmergency:  b,
	}, nil
}

func (s *Store) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.host+path, nil)
	if err != nil {
		return fmt.Errorf("datasetstore: build request: %w", err)
	}
	req.SetBasicAuth(s.publicKey, s.secretKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("datasetstore: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &retry.RateLimited{Reason: "dataset service returned 429"}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("datasetstore: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("datasetstore: decode response: %w", err)
	}
	return nil
}
