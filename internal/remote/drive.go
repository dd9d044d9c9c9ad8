package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/ledgersync/ledgersync/internal/fault"
)

// DefaultDriveURL is the public file API endpoint
const DefaultDriveURL = "https://www.googleapis.com"

// DriveStore is a FileStore speaking the Drive v3 REST API
type DriveStore struct {
	c     *client
	space string
}

var _ FileStore = (*DriveStore)(nil)

// NewDriveStore creates a store rooted at baseURL. space selects the
// Drive space ("drive" or "appDataFolder"); empty means "drive".
func NewDriveStore(baseURL, space string, opts ...Option) *DriveStore {
	if baseURL == "" {
		baseURL = DefaultDriveURL
	}
	if space == "" {
		space = "drive"
	}
	return &DriveStore{c: newClient(baseURL, opts), space: space}
}

// Find returns the most recently modified file called name
func (d *DriveStore) Find(ctx context.Context, token, name string) (*FileRef, error) {
	query := url.Values{}
	query.Set("q", fmt.Sprintf("name = '%s' and trashed = false", strings.ReplaceAll(name, "'", `\'`)))
	query.Set("spaces", d.space)
	query.Set("orderBy", "modifiedTime desc")
	query.Set("fields", "files(id,name,modifiedTime)")

	var out struct {
		Files []FileRef `json:"files"`
	}
	u := fmt.Sprintf("%s/drive/v3/files?%s", d.c.base, query.Encode())
	if _, err := d.c.do(ctx, token, http.MethodGet, u, "", nil, &out); err != nil {
		return nil, err
	}
	if len(out.Files) == 0 {
		return nil, nil
	}
	ref := out.Files[0]
	return &ref, nil
}

// Upload writes content to existingID, or creates a new file when it is empty
func (d *DriveStore) Upload(ctx context.Context, token, name string, content []byte, existingID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}

	if existingID != "" {
		u := fmt.Sprintf("%s/upload/drive/v3/files/%s?uploadType=media", d.c.base, url.PathEscape(existingID))
		if _, err := d.c.do(ctx, token, http.MethodPatch, u, "application/json", content, &out); err != nil {
			return "", err
		}
		if out.ID == "" {
			out.ID = existingID
		}
		return out.ID, nil
	}

	body, contentType, err := multipartBody(name, d.space, content)
	if err != nil {
		return "", fault.Wrap(fault.KindRemote, err, "failed to encode upload")
	}
	u := fmt.Sprintf("%s/upload/drive/v3/files?uploadType=multipart", d.c.base)
	if _, err := d.c.do(ctx, token, http.MethodPost, u, contentType, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fault.New(fault.KindRemote, "upload response carried no file id")
	}
	return out.ID, nil
}

// Download returns the content of fileID
func (d *DriveStore) Download(ctx context.Context, token, fileID string) ([]byte, error) {
	u := fmt.Sprintf("%s/drive/v3/files/%s?alt=media", d.c.base, url.PathEscape(fileID))
	return d.c.do(ctx, token, http.MethodGet, u, "", nil, nil)
}

func multipartBody(name, space string, content []byte) ([]byte, string, error) {
	meta := map[string]any{"name": name, "mimeType": "application/json"}
	if space == "appDataFolder" {
		meta["parents"] = []string{"appDataFolder"}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(metaJSON); err != nil {
		return nil, "", err
	}

	part, err = w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json"}})
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/related; boundary=" + w.Boundary(), nil
}
