package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"
)

// ResourceKind classifies what a resource archive contains. The kind decides
// which file extensions are indexed and how previews read.
type ResourceKind string

// Resource kinds, in merge-priority order. Scripture outranks helps when
// scores tie.
const (
	KindBible     ResourceKind = "bible"
	KindNotes     ResourceKind = "notes"
	KindQuestions ResourceKind = "questions"
	KindWords     ResourceKind = "words"
	KindWordLinks ResourceKind = "word-links"
	KindAcademy   ResourceKind = "academy"
	KindOBS       ResourceKind = "obs"
)

// priority returns the tie-break rank for the kind. Lower sorts first.
func (k ResourceKind) priority() int {
	switch k {
	case KindBible:
		return 0
	case KindNotes:
		return 1
	case KindQuestions:
		return 2
	case KindWords:
		return 3
	case KindWordLinks:
		return 4
	case KindAcademy:
		return 5
	case KindOBS:
		return 6
	default:
		return 7
	}
}

// extensions returns the whitelist of file extensions indexed for the kind.
// Entries outside the whitelist are skipped without reading their bytes.
func (k ResourceKind) extensions() []string {
	switch k {
	case KindBible:
		return []string{".usfm", ".usfm3"}
	case KindNotes, KindQuestions, KindWordLinks:
		// TSV resources carry intro material as markdown.
		return []string{".tsv", ".md"}
	default:
		return []string{".md"}
	}
}

// Descriptor identifies one searchable resource archive.
type Descriptor struct {
	Owner         string
	Language      string
	ResourceID    string
	Kind          ResourceKind
	ArchiveURL    string
	DefaultBranch string

	// bookFilter, when set, restricts the archive read to one book.
	bookFilter string
}

// _subjectKinds maps upstream catalog subjects to resource kinds. Subjects
// not listed here aren't searchable and are dropped.
var _subjectKinds = map[string]ResourceKind{
	"Bible":                         KindBible,
	"Aligned Bible":                 KindBible,
	"TSV Translation Notes":         KindNotes,
	"TSV Translation Questions":     KindQuestions,
	"TSV Translation Words Links":   KindWordLinks,
	"Translation Words":             KindWords,
	"Translation Academy":           KindAcademy,
	"Open Bible Stories":            KindOBS,
}

var _memoTTL = 5 * time.Minute

// Resolver discovers which resources exist for a (language, owner) pair by
// querying the upstream catalog. Results are memoized briefly, and at most
// one fill per key is in flight at a time.
//
// The resolver never fails a search just because the catalog is down: on any
// upstream error it substitutes a static list of well-known resources.
type Resolver struct {
	upstream *http.Client
	base     string
	memo     Cache[[]Descriptor]
	group    singleflight.Group
}

// NewResolver creates a Resolver against the given catalog base URL
// (e.g. "https://git.door43.org").
func NewResolver(upstream *http.Client, base string) (*Resolver, error) {
	memo, err := newMemCache(10_000, func([]Descriptor) int64 { return 1 })
	if err != nil {
		return nil, err
	}
	return &Resolver{upstream: upstream, base: base, memo: memo}, nil
}

// catalogEntry is the subset of the upstream catalog record we consume.
type catalogEntry struct {
	Name            string `json:"name"`
	Owner           string `json:"owner"`
	Language        string `json:"language"`
	Subject         string `json:"subject"`
	BranchOrTagName string `json:"branch_or_tag_name"`
	ZipballURL      string `json:"zipball_url"`
}

// Resolve returns the ordered descriptor list for the pair. The second return
// reports whether the static fallback was substituted for a live catalog
// response.
//
// Callers get their own copy: the memo and singleflight share one backing
// slice, and callers annotate descriptors in place.
func (r *Resolver) Resolve(ctx context.Context, language, owner string, includeHelps bool) ([]Descriptor, bool, error) {
	key := fmt.Sprintf("cat|%s|%s|%t", language, owner, includeHelps)

	if descs, ok := r.memo.Get(ctx, key); ok {
		return slices.Clone(descs), false, nil
	}

	type resolved struct {
		descs    []Descriptor
		fallback bool
	}

	out, err, _ := r.group.Do(key, func() (any, error) {
		descs, err := r.query(ctx, language, owner)
		if err != nil {
			Log(ctx).Warn("catalog unavailable, substituting fallback", "language", language, "owner", owner, "err", err)
			descs = fallbackDescriptors(r.base, language, owner)
		}
		if !includeHelps {
			descs = slices.DeleteFunc(descs, func(d Descriptor) bool {
				return d.Kind != KindBible
			})
		}
		if err == nil {
			r.memo.Set(ctx, key, descs, fuzz(_memoTTL, 1.5))
		}
		return resolved{descs: descs, fallback: err != nil}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := out.(resolved)
	return slices.Clone(res.descs), res.fallback, nil
}

// query hits the live catalog API.
func (r *Resolver) query(ctx context.Context, language, owner string) ([]Descriptor, error) {
	q := url.Values{}
	q.Set("lang", language)
	q.Set("owner", owner)
	q.Set("stage", "prod")

	u := fmt.Sprintf("%s/api/v1/catalog/search?%s", r.base, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating catalog request: %w", err)
	}

	resp, err := r.upstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Data []catalogEntry `json:"data"`
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("parsing catalog response: %w", err)
	}

	descs := []Descriptor{}
	for _, e := range body.Data {
		kind, ok := _subjectKinds[e.Subject]
		if !ok {
			continue
		}
		branch := e.BranchOrTagName
		if branch == "" {
			branch = "master"
		}
		archiveURL := e.ZipballURL
		if archiveURL == "" {
			archiveURL = zipballURL(r.base, e.Owner, e.Name, branch)
		}
		descs = append(descs, Descriptor{
			Owner:         e.Owner,
			Language:      e.Language,
			ResourceID:    e.Name,
			Kind:          kind,
			ArchiveURL:    archiveURL,
			DefaultBranch: branch,
		})
	}

	sortDescriptors(descs)
	return descs, nil
}

// fallbackDescriptors is the static list substituted when the catalog is
// unreachable. These are the well-known unfoldingWord resource names; for
// other owners the naming convention is the same.
func fallbackDescriptors(base, language, owner string) []Descriptor {
	kinds := []struct {
		suffix string
		kind   ResourceKind
	}{
		{"ult", KindBible},
		{"ust", KindBible},
		{"tn", KindNotes},
		{"tq", KindQuestions},
		{"twl", KindWordLinks},
		{"tw", KindWords},
		{"ta", KindAcademy},
		{"obs", KindOBS},
	}

	descs := make([]Descriptor, 0, len(kinds))
	for _, k := range kinds {
		id := fmt.Sprintf("%s_%s", language, k.suffix)
		descs = append(descs, Descriptor{
			Owner:         owner,
			Language:      language,
			ResourceID:    id,
			Kind:          k.kind,
			ArchiveURL:    zipballURL(base, owner, id, "master"),
			DefaultBranch: "master",
		})
	}
	return descs
}

func zipballURL(base, owner, repo, branch string) string {
	return fmt.Sprintf("%s/%s/%s/archive/%s.zip", base, owner, repo, branch)
}

// sortDescriptors orders resources by kind priority then ID so the dispatch
// order (and therefore fallback truncation under load) is deterministic.
func sortDescriptors(descs []Descriptor) {
	slices.SortFunc(descs, func(a, b Descriptor) int {
		if d := a.Kind.priority() - b.Kind.priority(); d != 0 {
			return d
		}
		switch {
		case a.ResourceID < b.ResourceID:
			return -1
		case a.ResourceID > b.ResourceID:
			return 1
		default:
			return 0
		}
	})
}
