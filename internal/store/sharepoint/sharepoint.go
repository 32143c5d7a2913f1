// Package sharepoint implements the remote document library on top of the
// SharePoint REST API (_api/web). Split folders live under a configured
// server relative folder; sub-folders are walked recursively.
package sharepoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/imroc/req/v3"
	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/store/httpapi"
)

const (
	acceptNoMetadata = "application/json;odata=nometadata"

	// system folder every document library carries
	formsFolder = "Forms"

	// format accepted by ValidateUpdateListItem for date fields
	modifiedFormat = "1/2/2006 3:04:05 PM"
)

type Config struct {
	// SiteURL is the absolute site URL, e.g. https://contoso.sharepoint.com/sites/ml
	SiteURL string
	// Folder is the dataset folder. Relative values are resolved against the site path.
	Folder      string
	AccessToken string
	Timeout     time.Duration
}

// Adapter is the SharePoint backed remote store.
type Adapter struct {
	client  *req.Client
	root    string
	folders mapset.Set[string]
}

func New(cfg Config) (*Adapter, error) {
	site, err := url.Parse(cfg.SiteURL)
	if err != nil || site.Scheme == "" || site.Host == "" {
		return nil, fmt.Errorf("sharepoint: invalid site url %q", cfg.SiteURL)
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("sharepoint: access token is required")
	}

	root := cfg.Folder
	if !strings.HasPrefix(root, "/") {
		root = path.Join(site.Path, root)
	}
	root = "/" + strings.Trim(root, "/")

	client := httpapi.NewClient(strings.TrimSuffix(cfg.SiteURL, "/")+"/_api/web", cfg.Timeout).
		SetCommonBearerAuthToken(cfg.AccessToken).
		SetCommonHeader(httpapi.HeaderAccept, acceptNoMetadata)

	return &Adapter{
		client:  client,
		root:    root,
		folders: mapset.NewSet[string](),
	}, nil
}

func (a *Adapter) ID() store.StoreID {
	return store.Remote
}

func (a *Adapter) splitFolder(split store.SplitID) string {
	return a.root + "/" + string(split)
}

func (a *Adapter) fileURL(split store.SplitID, name string) string {
	return a.splitFolder(split) + "/" + name
}

// literal quotes a value for use as an OData parameter alias.
func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

type spFile struct {
	Name             string    `json:"Name"`
	Length           flexInt64 `json:"Length"`
	TimeLastModified time.Time `json:"TimeLastModified"`
}

type spFolder struct {
	Name              string `json:"Name"`
	ServerRelativeURL string `json:"ServerRelativeUrl"`
}

type folderListing struct {
	Files   []spFile   `json:"Files"`
	Folders []spFolder `json:"Folders"`
}

// flexInt64 accepts Edm.Int64 values serialized either as numbers or strings.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid length %q: %w", s, err)
	}
	*f = flexInt64(n)
	return nil
}

func (a *Adapter) List(ctx context.Context, split store.SplitID) (store.Manifest, error) {
	manifest := store.NewManifest()
	if err := a.walk(ctx, split, a.splitFolder(split), "", manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (a *Adapter) walk(ctx context.Context, split store.SplitID, folder, rel string, manifest store.Manifest) error {
	var listing folderListing
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("@u", literal(folder)).
		SetQueryParam("$expand", "Files,Folders").
		SetSuccessResult(&listing).
		Get("/GetFolderByServerRelativeUrl(@u)")
	if err := httpapi.Check(resp, err, store.Remote, "list", split, rel); err != nil {
		return err
	}

	for _, f := range listing.Files {
		name := store.CleanName(path.Join(rel, f.Name))
		if name == "" {
			continue
		}
		rec := store.FileRecord{
			Name:    name,
			Size:    int64(f.Length),
			ModTime: f.TimeLastModified,
		}
		if err := manifest.Add(rec); err != nil {
			return store.NewError(store.KindUnknown, store.Remote, "list", split, name, err)
		}
	}

	for _, sub := range listing.Folders {
		if rel == "" && sub.Name == formsFolder {
			continue
		}
		if strings.HasPrefix(sub.Name, "_") || strings.HasPrefix(sub.Name, ".") {
			continue
		}
		next := sub.ServerRelativeURL
		if next == "" {
			next = folder + "/" + sub.Name
		}
		if err := a.walk(ctx, split, next, path.Join(rel, sub.Name), manifest); err != nil {
			return err
		}
	}

	a.folders.Add(folder)
	return nil
}

func (a *Adapter) Fetch(ctx context.Context, split store.SplitID, name string) (io.ReadCloser, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		SetQueryParam("@u", literal(a.fileURL(split, name))).
		Get("/GetFileByServerRelativeUrl(@u)/$value")
	if err := httpapi.Check(resp, err, store.Remote, "fetch", split, name); err != nil {
		if resp != nil && resp.Response != nil {
			resp.Body.Close()
		}
		if store.KindOf(err) == store.KindNotFound {
			return nil, store.NewError(store.KindMissingObject, store.Remote, "fetch", split, name, errors.Unwrap(err))
		}
		return nil, err
	}
	return resp.Body, nil
}

// Push uploads through Files/add with overwrite, creating missing folders first.
// The list item's Modified field is then set to the source time; failing that
// is logged and otherwise ignored.
func (a *Adapter) Push(ctx context.Context, split store.SplitID, name string, r io.Reader, meta store.PushMetadata) error {
	dir, file := path.Split(name)
	folder := a.splitFolder(split)
	if dir != "" {
		folder += "/" + strings.TrimSuffix(dir, "/")
	}
	if err := a.ensureFolder(ctx, split, name, folder); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return store.Wrap(err, store.Remote, "push", split, name)
	}

	request := a.client.R().
		SetContext(ctx).
		SetQueryParam("@u", literal(folder)).
		SetQueryParam("@n", literal(file)).
		SetBodyBytes(data)
	if meta.ContentType != "" {
		request.SetContentType(meta.ContentType)
	}
	resp, err := request.Post("/GetFolderByServerRelativeUrl(@u)/Files/add(url=@n,overwrite=true)")
	if err := httpapi.Check(resp, err, store.Remote, "push", split, name); err != nil {
		return err
	}

	if !meta.ModTime.IsZero() {
		if err := a.setModified(ctx, split, name, meta.ModTime); err != nil {
			slog.Debug("sharepoint set modified", "split", split, "name", name, "error", err)
		}
	}
	return nil
}

type fieldValue struct {
	FieldName  string `json:"FieldName"`
	FieldValue string `json:"FieldValue"`
}

type validateUpdate struct {
	FormValues        []fieldValue `json:"formValues"`
	NewDocumentUpdate bool         `json:"bNewDocumentUpdate"`
}

func (a *Adapter) setModified(ctx context.Context, split store.SplitID, name string, modTime time.Time) error {
	body := validateUpdate{
		FormValues: []fieldValue{{
			FieldName:  "Modified",
			FieldValue: modTime.UTC().Format(modifiedFormat),
		}},
		NewDocumentUpdate: true,
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("@u", literal(a.fileURL(split, name))).
		SetHeader("Content-Type", acceptNoMetadata).
		SetBodyJsonMarshal(body).
		Post("/GetFileByServerRelativeUrl(@u)/ListItemAllFields/ValidateUpdateListItem()")
	return httpapi.Check(resp, err, store.Remote, "push", split, name)
}

// ensureFolder creates folder and its parents below the dataset root.
func (a *Adapter) ensureFolder(ctx context.Context, split store.SplitID, name, folder string) error {
	if a.folders.Contains(folder) {
		return nil
	}

	rel := strings.TrimPrefix(folder, a.root)
	current := a.root
	for _, part := range strings.Split(strings.Trim(rel, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		if a.folders.Contains(current) {
			continue
		}
		resp, err := a.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", acceptNoMetadata).
			SetBodyJsonMarshal(map[string]string{"ServerRelativeUrl": current}).
			Post("/folders")
		if err := httpapi.Check(resp, err, store.Remote, "push", split, name); err != nil {
			return err
		}
		a.folders.Add(current)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, split store.SplitID, name string) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("@u", literal(a.fileURL(split, name))).
		SetHeader("X-HTTP-Method", http.MethodDelete).
		SetHeader("IF-MATCH", "*").
		Post("/GetFileByServerRelativeUrl(@u)")
	err = httpapi.Check(resp, err, store.Remote, "delete", split, name)
	if store.KindOf(err) == store.KindNotFound {
		return nil
	}
	return err
}

var _ store.Adapter = (*Adapter)(nil)
