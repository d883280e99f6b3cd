package manager

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/bytedance/sonic"
)

// Operation names exported by content extensions
const (
	OpCatalog  = "catalog"
	OpGenres   = "genres"
	OpPosts    = "getPosts"
	OpSearch   = "getSearchPosts"
	OpMetadata = "getMetaData"
	OpStream   = "getStream"
	OpEpisodes = "getEpisodes"
)

// Catalog returns the browsable sections of id
func (m *Manager) Catalog(ctx context.Context, id string) ([]types.CatalogItem, error) {
	return decodeList[types.CatalogItem](ctx, m, id, OpCatalog)
}

// Genres returns the genre sections of id
func (m *Manager) Genres(ctx context.Context, id string) ([]types.CatalogItem, error) {
	return decodeList[types.CatalogItem](ctx, m, id, OpGenres)
}

// Posts lists one page of a catalog filter
func (m *Manager) Posts(ctx context.Context, id, filter string, page int) ([]types.Post, error) {
	posts, err := decodeList[types.Post](ctx, m, id, OpPosts, filter, page)
	return withProvider(posts, id), err
}

// Search lists one page of results for query
func (m *Manager) Search(ctx context.Context, id, query string, page int) ([]types.Post, error) {
	posts, err := decodeList[types.Post](ctx, m, id, OpSearch, query, page)
	return withProvider(posts, id), err
}

// Metadata returns the detail page behind link, or nil when the extension has none
func (m *Manager) Metadata(ctx context.Context, id, link string) (*types.ContentInfo, error) {
	raw, err := m.InvokeRaw(ctx, id, OpMetadata, link)
	if err != nil || raw == nil {
		return nil, err
	}
	var info types.ContentInfo
	if err := sonic.Unmarshal(raw, &info); err != nil {
		return nil, decodeError(id, OpMetadata, err)
	}
	if info.Type == "" {
		info.Type = types.DefaultContentType
	}
	if info.LinkList == nil {
		info.LinkList = []types.ContentLink{}
	}
	return &info, nil
}

// Streams resolves playable sources for link
func (m *Manager) Streams(ctx context.Context, id, link, contentType string) ([]types.StreamSource, error) {
	return decodeList[types.StreamSource](ctx, m, id, OpStream, link, contentType)
}

// Episodes lists the episodes behind link
func (m *Manager) Episodes(ctx context.Context, id, link string) ([]types.Episode, error) {
	return decodeList[types.Episode](ctx, m, id, OpEpisodes, link)
}

// decodeList invokes operation and decodes a JSON array result. A null
// result is an empty list.
func decodeList[T any](ctx context.Context, m *Manager, id, operation string, args ...any) ([]T, error) {
	raw, err := m.InvokeRaw(ctx, id, operation, args...)
	if err != nil {
		return nil, err
	}
	out := []T{}
	if raw == nil {
		return out, nil
	}
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, decodeError(id, operation, err)
	}
	return out, nil
}

func decodeError(id, operation string, err error) error {
	return errs.Extension("decode "+operation, id, fmt.Errorf("unexpected result shape: %w", err))
}

func withProvider(posts []types.Post, id string) []types.Post {
	for i := range posts {
		if posts[i].Provider == "" {
			posts[i].Provider = id
		}
	}
	return posts
}
