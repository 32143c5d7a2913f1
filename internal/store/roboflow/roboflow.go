// Package roboflow implements the annotation platform project as a store.
// Images are addressed by name in the sync engine and by id in the API; the
// adapter keeps the mapping from the last listing of each split.
package roboflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/store/httpapi"
)

const (
	DefaultAPIURL = "https://api.roboflow.com"

	pageSize = 250
)

type Config struct {
	APIURL    string
	Workspace string
	Project   string
	APIKey    string
	Timeout   time.Duration
}

type Adapter struct {
	client    *req.Client
	workspace string
	project   string

	mu  sync.RWMutex
	ids map[store.SplitID]map[string]string
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Workspace == "" || cfg.Project == "" {
		return nil, errors.New("roboflow: workspace and project are required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("roboflow: api key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	client := httpapi.NewClient(cfg.APIURL, cfg.Timeout).
		SetCommonQueryParam("api_key", cfg.APIKey)

	return &Adapter{
		client:    client,
		workspace: cfg.Workspace,
		project:   cfg.Project,
		ids:       make(map[store.SplitID]map[string]string),
	}, nil
}

func (a *Adapter) ID() store.StoreID {
	return store.Project
}

type image struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Split   string    `json:"split"`
	Size    int64     `json:"size"`
	MD5     string    `json:"md5,omitempty"`
	Updated time.Time `json:"updated"`

	// Modified is the source modification time sent on upload, when kept.
	Modified time.Time `json:"modified,omitempty"`
}

type imagePage struct {
	Images     []image `json:"images"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

type uploadResponse struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	ID        string `json:"id,omitempty"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Adapter) imagesPath() string {
	return "/" + url.PathEscape(a.workspace) + "/" + url.PathEscape(a.project) + "/images"
}

func (a *Adapter) List(ctx context.Context, split store.SplitID) (store.Manifest, error) {
	manifest := store.NewManifest()
	ids := make(map[string]string)

	cursor := ""
	for {
		var page imagePage
		request := a.client.R().
			SetContext(ctx).
			SetQueryParam("split", string(split)).
			SetQueryParam("limit", fmt.Sprint(pageSize)).
			SetSuccessResult(&page)
		if cursor != "" {
			request.SetQueryParam("cursor", cursor)
		}
		resp, err := request.Get(a.imagesPath())
		if err := httpapi.Check(resp, err, store.Project, "list", split, ""); err != nil {
			return nil, err
		}

		for _, img := range page.Images {
			if img.Split != "" && img.Split != string(split) {
				continue
			}
			name := store.CleanName(img.Name)
			if name == "" {
				continue
			}
			rec := store.FileRecord{
				Name:        name,
				Size:        img.Size,
				ModTime:     img.Updated,
				Fingerprint: strings.ToLower(img.MD5),
			}
			if !img.Modified.IsZero() {
				rec.ModTime = img.Modified
			}
			if err := manifest.Add(rec); err != nil {
				return nil, store.NewError(store.KindUnknown, store.Project, "list", split, name, err)
			}
			ids[name] = img.ID
		}

		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	a.mu.Lock()
	a.ids[split] = ids
	a.mu.Unlock()
	return manifest, nil
}

func (a *Adapter) lookup(split store.SplitID, name string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.ids[split][name]
	return id, ok
}

func (a *Adapter) remember(split store.SplitID, name, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ids[split] == nil {
		a.ids[split] = make(map[string]string)
	}
	if id == "" {
		delete(a.ids[split], name)
		return
	}
	a.ids[split][name] = id
}

// resolve maps a name to an image id, listing the split again once when the
// name is not known yet.
func (a *Adapter) resolve(ctx context.Context, split store.SplitID, name string) (string, bool, error) {
	if id, ok := a.lookup(split, name); ok {
		return id, true, nil
	}
	if _, err := a.List(ctx, split); err != nil {
		if store.KindOf(err) == store.KindNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	id, ok := a.lookup(split, name)
	return id, ok, nil
}

func (a *Adapter) Fetch(ctx context.Context, split store.SplitID, name string) (io.ReadCloser, error) {
	id, ok, err := a.resolve(ctx, split, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.NewError(store.KindMissingObject, store.Project, "fetch", split, name, store.ErrMissingObject)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		Get(a.imagesPath() + "/" + url.PathEscape(id) + "/file")
	if err := httpapi.Check(resp, err, store.Project, "fetch", split, name); err != nil {
		if resp != nil && resp.Response != nil {
			resp.Body.Close()
		}
		if store.KindOf(err) == store.KindNotFound {
			a.remember(split, name, "")
			return nil, store.NewError(store.KindMissingObject, store.Project, "fetch", split, name, errors.Unwrap(err))
		}
		return nil, err
	}
	return resp.Body, nil
}

func (a *Adapter) Push(ctx context.Context, split store.SplitID, name string, r io.Reader, meta store.PushMetadata) error {
	var result uploadResponse
	request := a.client.R().
		SetContext(ctx).
		SetQueryParam("name", name).
		SetQueryParam("split", string(split)).
		SetQueryParam("overwrite", "true").
		SetFileReader("file", path.Base(name), r).
		SetSuccessResult(&result)
	if !meta.ModTime.IsZero() {
		request.SetQueryParam("modified", meta.ModTime.UTC().Format(time.RFC3339Nano))
	}
	resp, err := request.Post("/dataset/" + url.PathEscape(a.project) + "/upload")
	if err := httpapi.Check(resp, err, store.Project, "push", split, name); err != nil {
		return err
	}

	if !result.Success && !result.Duplicate {
		msg := "upload rejected"
		if result.Error != nil && result.Error.Message != "" {
			msg = result.Error.Message
		}
		return store.NewError(store.KindUnknown, store.Project, "push", split, name, errors.New(msg))
	}
	if result.ID != "" {
		a.remember(split, name, result.ID)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, split store.SplitID, name string) error {
	id, ok, err := a.resolve(ctx, split, name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	resp, err := a.client.R().
		SetContext(ctx).
		Delete(a.imagesPath() + "/" + url.PathEscape(id))
	err = httpapi.Check(resp, err, store.Project, "delete", split, name)
	if err != nil && store.KindOf(err) != store.KindNotFound {
		return err
	}
	a.remember(split, name, "")
	return nil
}

var _ store.Adapter = (*Adapter)(nil)
