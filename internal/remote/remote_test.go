package remote

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/fault"
)

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestSheetsClient_GetRange(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v4/spreadsheets/sheet-1/values/'Income'!A1:ZZ", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "ROWS", r.URL.Query().Get("majorDimension"))
		_, _ = io.WriteString(w, `{"range":"Income!A1:C3","values":[["Date","Source","Amount"],["2024-01-05","Salary",1500.5],["2024-01-06",true]]}`)
	})

	c := NewSheetsClient(srv.URL)
	rows, err := c.GetRange(context.Background(), "tok", "sheet-1", "'Income'!A1:ZZ")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Date", "Source", "Amount"},
		{"2024-01-05", "Salary", "1500.5"},
		{"2024-01-06", "true"},
	}, rows)
}

func TestSheetsClient_AppendRange(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/values/'Income'!A1:ZZ:append"), r.URL.Path)
		assert.Equal(t, "INSERT_ROWS", r.URL.Query().Get("insertDataOption"))

		var body valueRange
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, [][]any{{"2024-02-01", "Bonus", "300"}}, body.Values)

		_, _ = io.WriteString(w, `{"updates":{"updatedRange":"Income!A12:C12"}}`)
	})

	c := NewSheetsClient(srv.URL)
	updated, err := c.AppendRange(context.Background(), "tok", "sheet-1", "'Income'!A1:ZZ", [][]string{{"2024-02-01", "Bonus", "300"}})
	require.NoError(t, err)
	assert.Equal(t, "Income!A12:C12", updated)
}

func TestSheetsClient_UpdateRange(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "USER_ENTERED", r.URL.Query().Get("valueInputOption"))
		_, _ = io.WriteString(w, `{}`)
	})

	c := NewSheetsClient(srv.URL)
	require.NoError(t, c.UpdateRange(context.Background(), "tok", "sheet-1", "'Income'!A5:C5", [][]string{{"a", "b", "c"}}))
}

func TestSheetsClient_GetMetadataAndBatchUpdate(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			assert.Equal(t, "/v4/spreadsheets/sheet-1", r.URL.Path)
			_, _ = io.WriteString(w, `{"sheets":[{"properties":{"sheetId":0,"title":"Income"}},{"properties":{"sheetId":7,"title":"Income-23"}}]}`)
		case r.Method == http.MethodPost:
			assert.Equal(t, "/v4/spreadsheets/sheet-1:batchUpdate", r.URL.Path)
			var body struct {
				Requests []json.RawMessage `json:"requests"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Len(t, body.Requests, 1)
			_, _ = io.WriteString(w, `{}`)
		}
	})

	c := NewSheetsClient(srv.URL)
	tabs, err := c.GetMetadata(context.Background(), "tok", "sheet-1")
	require.NoError(t, err)
	assert.Equal(t, []Tab{{ID: 0, Title: "Income"}, {ID: 7, Title: "Income-23"}}, tabs)

	err = c.BatchStructuralUpdate(context.Background(), "tok", "sheet-1",
		[]json.RawMessage{json.RawMessage(`{"duplicateSheet":{"sourceSheetId":0,"newSheetName":"Income-24"}}`)})
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   fault.Kind
	}{
		{"unauthorized", 401, `{"error":{"code":401,"message":"invalid token"}}`, fault.KindAuth},
		{"not found", 404, `{"error":{"code":404,"message":"Requested entity was not found."}}`, fault.KindNotFound},
		{"too many requests", 429, ``, fault.KindRateLimited},
		{"forbidden rate limit", 403, `{"error":{"code":403,"message":"slow down","errors":[{"reason":"userRateLimitExceeded"}]}}`, fault.KindRateLimited},
		{"forbidden quota", 403, `{"error":{"code":403,"message":"full","errors":[{"reason":"storageQuotaExceeded"}]}}`, fault.KindQuota},
		{"forbidden", 403, `{"error":{"code":403,"message":"The caller does not have permission"}}`, fault.KindPermission},
		{"server error", 500, `oops`, fault.KindRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.status, []byte(tt.body))
			kind, ok := fault.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestClient_ErrorStatusIsClassified(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"Unable to parse range: 'Missing'!A1:ZZ"}}`)
	})

	_, err := NewSheetsClient(srv.URL).GetRange(context.Background(), "tok", "sheet-1", "'Missing'!A1:ZZ")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
	assert.Contains(t, err.Error(), "Unable to parse range")
}

func TestClient_CancelledContext(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSheetsClient(srv.URL, WithRateLimit(1, 1)).GetMetadata(ctx, "tok", "sheet-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDriveStore_FindUploadDownload(t *testing.T) {
	files := map[string]string{}
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/drive/v3/files":
			assert.Contains(t, r.URL.Query().Get("q"), "name = 'ledger-vault.json'")
			if len(files) == 0 {
				_, _ = io.WriteString(w, `{"files":[]}`)
				return
			}
			_, _ = io.WriteString(w, `{"files":[{"id":"file-1","name":"ledger-vault.json","modifiedTime":"2024-03-01T10:00:00Z"}]}`)

		case r.Method == http.MethodPost && r.URL.Path == "/upload/drive/v3/files":
			mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			require.NoError(t, err)
			assert.Equal(t, "multipart/related", mediaType)

			mr := multipart.NewReader(r.Body, params["boundary"])
			meta, err := mr.NextPart()
			require.NoError(t, err)
			metaBytes, _ := io.ReadAll(meta)
			assert.Contains(t, string(metaBytes), `"name":"ledger-vault.json"`)
			media, err := mr.NextPart()
			require.NoError(t, err)
			content, _ := io.ReadAll(media)

			files["file-1"] = string(content)
			_, _ = io.WriteString(w, `{"id":"file-1"}`)

		case r.Method == http.MethodPatch && r.URL.Path == "/upload/drive/v3/files/file-1":
			content, _ := io.ReadAll(r.Body)
			files["file-1"] = string(content)
			_, _ = io.WriteString(w, `{"id":"file-1"}`)

		case r.Method == http.MethodGet && r.URL.Path == "/drive/v3/files/file-1":
			assert.Equal(t, "media", r.URL.Query().Get("alt"))
			_, _ = io.WriteString(w, files["file-1"])

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	d := NewDriveStore(srv.URL, "")

	ref, err := d.Find(ctx, "tok", "ledger-vault.json")
	require.NoError(t, err)
	assert.Nil(t, ref)

	id, err := d.Upload(ctx, "tok", "ledger-vault.json", []byte(`{"v":1}`), "")
	require.NoError(t, err)
	assert.Equal(t, "file-1", id)

	ref, err = d.Find(ctx, "tok", "ledger-vault.json")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "file-1", ref.ID)
	assert.Equal(t, 2024, ref.ModifiedTime.Year())

	id, err = d.Upload(ctx, "tok", "ledger-vault.json", []byte(`{"v":2}`), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "file-1", id)

	content, err := d.Download(ctx, "tok", id)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(content))

	_, err = d.Download(ctx, "tok", "missing")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}
