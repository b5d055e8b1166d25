package provider

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/media"
)

// Provider is the uniform asynchronous API over heterogeneous remote object
// stores. Implementations return ErrUnsupported for capabilities they do not
// have; Unsupported provides those defaults for embedding.
type Provider interface {
	Kind() Kind

	// Root returns the root directory item.
	Root(ctx context.Context) (Item, error)

	// ListDirectoryPage returns one page of dir's children plus an optional
	// continuation token.
	ListDirectoryPage(ctx context.Context, dir Item, pageToken string) (PageData, error)

	// GeneralData returns the account username and quota.
	GeneralData(ctx context.Context) (GeneralData, error)

	// FileContent streams the item body over the requested range.
	FileContent(ctx context.Context, item Item, rng Range) (FileContent, error)

	CreateFile(ctx context.Context, parent Item, name string, body io.Reader, size int64) (Item, error)
	CreateDirectory(ctx context.Context, parent Item, name string) (Item, error)
	RenameItem(ctx context.Context, item Item, newName string) (Item, error)
	MoveItem(ctx context.Context, item Item, dest Item) (Item, error)
	RemoveItem(ctx context.Context, item Item) error

	// ItemThumbnail streams a provider-side thumbnail, or ErrNotFound when
	// the provider has none for the item.
	ItemThumbnail(ctx context.Context, item Item, rng Range) (Thumbnail, error)

	// ItemByID resolves an item from its provider id.
	ItemByID(ctx context.Context, id string) (Item, error)
}

// Unsupported implements every optional Provider capability with
// ErrUnsupported. Concrete providers embed it and override what they have.
type Unsupported struct{}

func (Unsupported) FileContent(context.Context, Item, Range) (FileContent, error) {
	return FileContent{}, ErrUnsupported
}

func (Unsupported) CreateFile(context.Context, Item, string, io.Reader, int64) (Item, error) {
	return Item{}, ErrUnsupported
}

func (Unsupported) CreateDirectory(context.Context, Item, string) (Item, error) {
	return Item{}, ErrUnsupported
}

func (Unsupported) RenameItem(context.Context, Item, string) (Item, error) {
	return Item{}, ErrUnsupported
}

func (Unsupported) MoveItem(context.Context, Item, Item) (Item, error) {
	return Item{}, ErrUnsupported
}

func (Unsupported) RemoveItem(context.Context, Item) error { return ErrUnsupported }

func (Unsupported) ItemThumbnail(context.Context, Item, Range) (Thumbnail, error) {
	return Thumbnail{}, ErrUnsupported
}

func (Unsupported) ItemByID(context.Context, string) (Item, error) {
	return Item{}, ErrUnsupported
}

// Factory builds providers of one kind and implements its OAuth endpoints.
type Factory interface {
	Kind() Kind

	// AuthorizationURL is the fixed-format URL the user is sent to.
	AuthorizationURL(data AuthData) string

	// ExchangeAuthorizationCode trades the callback code for a token.
	ExchangeAuthorizationCode(ctx context.Context, client httpx.Client, data AuthData, code string) (*Token, error)

	// RefreshAccessToken obtains a fresh access token. When the provider
	// does not rotate refresh tokens the old one is preserved.
	RefreshAccessToken(ctx context.Context, client httpx.Client, data AuthData, tok *Token) (*Token, error)

	// New constructs the provider bound to an auth manager.
	New(deps Deps) Provider
}

// Deps carries the collaborators a provider may need.
type Deps struct {
	Auth *AuthManager

	// HTTP is a non-redirecting client for fetches that must not carry
	// the Authorization header (pre-signed URLs, public pages); callers
	// follow redirect hops themselves (httpx.Follow, or one re-issued hop)
	// so request headers are re-applied.
	HTTP httpx.Client

	// Muxer combines separate audio and video streams; used by providers
	// that expose muxed virtual files.
	Muxer media.Muxer
}

// Registry maps provider kinds to factories.
type Registry struct {
	factories map[Kind]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

func (r *Registry) Register(f Factory) {
	r.factories[f.Kind()] = f
}

func (r *Registry) Get(kind Kind) (Factory, bool) {
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds returns the registered kinds in registration-independent order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// CheckItem validates that item belongs to the provider. Handing an item of
// one provider to another is a programming error surfaced as ErrUnsupported.
func CheckItem(p Provider, item Item) error {
	if item.Kind != p.Kind() {
		return fmt.Errorf("item of kind %q passed to provider %q: %w", item.Kind, p.Kind(), ErrUnsupported)
	}
	return nil
}

// ListDirectory concatenates all pages of dir's children, chaining
// continuation tokens in order.
func ListDirectory(ctx context.Context, p Provider, dir Item) ([]Item, error) {
	var (
		items     []Item
		pageToken string
	)
	for {
		page, err := p.ListDirectoryPage(ctx, dir, pageToken)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.NextPageToken == "" {
			return items, nil
		}
		pageToken = page.NextPageToken
	}
}

// GetItemByPath resolves a slash-separated path of name components starting
// at the provider root. Empty components are skipped, so "/a//b/" resolves
// like "a/b".
func GetItemByPath(ctx context.Context, p Provider, path string) (Item, error) {
	current, err := p.Root(ctx)
	if err != nil {
		return Item{}, err
	}
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		next, err := findChild(ctx, p, current, component)
		if err != nil {
			return Item{}, err
		}
		current = next
	}
	return current, nil
}

func findChild(ctx context.Context, p Provider, dir Item, name string) (Item, error) {
	if !dir.IsDir {
		return Item{}, fmt.Errorf("%q is not a directory: %w", dir.Name, ErrNotFound)
	}
	var pageToken string
	for {
		page, err := p.ListDirectoryPage(ctx, dir, pageToken)
		if err != nil {
			return Item{}, err
		}
		for _, item := range page.Items {
			if item.Name == name {
				return item, nil
			}
		}
		if page.NextPageToken == "" {
			return Item{}, fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		pageToken = page.NextPageToken
	}
}
