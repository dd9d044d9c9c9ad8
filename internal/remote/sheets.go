package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ledgersync/ledgersync/internal/fault"
)

// DefaultSheetsURL is the public spreadsheet API endpoint
const DefaultSheetsURL = "https://sheets.googleapis.com"

// SheetsClient is a RangeClient speaking the Sheets v4 REST API
type SheetsClient struct {
	c *client
}

var _ RangeClient = (*SheetsClient)(nil)

// NewSheetsClient creates a client rooted at baseURL
func NewSheetsClient(baseURL string, opts ...Option) *SheetsClient {
	if baseURL == "" {
		baseURL = DefaultSheetsURL
	}
	return &SheetsClient{c: newClient(baseURL, opts)}
}

type valueRange struct {
	Range          string  `json:"range,omitempty"`
	MajorDimension string  `json:"majorDimension,omitempty"`
	Values         [][]any `json:"values"`
}

func (s *SheetsClient) valuesURL(resourceID, rangeExpr, suffix string, query url.Values) string {
	return fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s%s?%s",
		s.c.base, url.PathEscape(resourceID), url.PathEscape(rangeExpr), suffix, query.Encode())
}

// GetRange returns the formatted cell values of rangeExpr
func (s *SheetsClient) GetRange(ctx context.Context, token, resourceID, rangeExpr string) ([][]string, error) {
	query := url.Values{}
	query.Set("majorDimension", "ROWS")
	query.Set("valueRenderOption", "FORMATTED_VALUE")

	var out valueRange
	if _, err := s.c.do(ctx, token, http.MethodGet, s.valuesURL(resourceID, rangeExpr, "", query), "", nil, &out); err != nil {
		return nil, err
	}

	rows := make([][]string, len(out.Values))
	for i, row := range out.Values {
		rows[i] = make([]string, len(row))
		for j, cell := range row {
			rows[i][j] = cellString(cell)
		}
	}
	return rows, nil
}

// UpdateRange overwrites rangeExpr with rows
func (s *SheetsClient) UpdateRange(ctx context.Context, token, resourceID, rangeExpr string, rows [][]string) error {
	query := url.Values{}
	query.Set("valueInputOption", "USER_ENTERED")

	body, err := json.Marshal(valueRange{Range: rangeExpr, MajorDimension: "ROWS", Values: toAny(rows)})
	if err != nil {
		return fault.Wrap(fault.KindRemote, err, "failed to encode rows")
	}
	_, err = s.c.do(ctx, token, http.MethodPut, s.valuesURL(resourceID, rangeExpr, "", query), "application/json", body, nil)
	return err
}

// AppendRange appends rows after the last row of the table at rangeExpr
func (s *SheetsClient) AppendRange(ctx context.Context, token, resourceID, rangeExpr string, rows [][]string) (string, error) {
	query := url.Values{}
	query.Set("valueInputOption", "USER_ENTERED")
	query.Set("insertDataOption", "INSERT_ROWS")

	body, err := json.Marshal(valueRange{Range: rangeExpr, MajorDimension: "ROWS", Values: toAny(rows)})
	if err != nil {
		return "", fault.Wrap(fault.KindRemote, err, "failed to encode rows")
	}

	var out struct {
		Updates struct {
			UpdatedRange string `json:"updatedRange"`
		} `json:"updates"`
	}
	if _, err := s.c.do(ctx, token, http.MethodPost, s.valuesURL(resourceID, rangeExpr, ":append", query), "application/json", body, &out); err != nil {
		return "", err
	}
	return out.Updates.UpdatedRange, nil
}

// BatchStructuralUpdate sends raw batchUpdate requests (add/duplicate/rename sheet)
func (s *SheetsClient) BatchStructuralUpdate(ctx context.Context, token, resourceID string, requests []json.RawMessage) error {
	body, err := json.Marshal(map[string]any{"requests": requests})
	if err != nil {
		return fault.Wrap(fault.KindRemote, err, "failed to encode requests")
	}
	u := fmt.Sprintf("%s/v4/spreadsheets/%s:batchUpdate", s.c.base, url.PathEscape(resourceID))
	_, err = s.c.do(ctx, token, http.MethodPost, u, "application/json", body, nil)
	return err
}

// GetMetadata lists the tabs of a spreadsheet
func (s *SheetsClient) GetMetadata(ctx context.Context, token, resourceID string) ([]Tab, error) {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s?fields=%s", s.c.base, url.PathEscape(resourceID), url.QueryEscape("sheets.properties"))

	var out struct {
		Sheets []struct {
			Properties Tab `json:"properties"`
		} `json:"sheets"`
	}
	if _, err := s.c.do(ctx, token, http.MethodGet, u, "", nil, &out); err != nil {
		return nil, err
	}

	tabs := make([]Tab, 0, len(out.Sheets))
	for _, sh := range out.Sheets {
		tabs = append(tabs, sh.Properties)
	}
	return tabs, nil
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func toAny(rows [][]string) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = make([]any, len(row))
		for j, cell := range row {
			out[i][j] = cell
		}
	}
	return out
}
