// Package resolver discovers the ordered segment groups of a recording.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/knpwrs/recfetch/internal/catalog"
	"github.com/knpwrs/recfetch/internal/fetcher"
	"github.com/knpwrs/recfetch/internal/model"
	"github.com/knpwrs/recfetch/internal/playlist"
)

// DocumentFetcher retrieves small documents (descriptors, playlists).
type DocumentFetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Signer authorizes a URL for a scheme.
type Signer interface {
	SignURL(ctx context.Context, scheme model.Scheme, uri string) (string, error)
}

// PlayInfoLookup resolves a Scheme B recording to its renditions.
type PlayInfoLookup interface {
	PlayInfo(ctx context.Context, id string) (catalog.PlayInfo, error)
}

// Options configures where Scheme A descriptor documents live.
type Options struct {
	CDNBase        string
	DescriptorName string
	Logger         zerolog.Logger
}

// Resolver turns a RecordingDescriptor into segment groups.
type Resolver struct {
	fetcher        DocumentFetcher
	signer         Signer
	lookup         PlayInfoLookup
	cdnBase        string
	descriptorName string
	logger         zerolog.Logger
}

// New creates a Resolver.
func New(f DocumentFetcher, signer Signer, lookup PlayInfoLookup, opts Options) *Resolver {
	return &Resolver{
		fetcher:        f,
		signer:         signer,
		lookup:         lookup,
		cdnBase:        strings.TrimRight(opts.CDNBase, "/"),
		descriptorName: strings.Trim(opts.DescriptorName, "/"),
		logger:         opts.Logger,
	}
}

// Resolve returns the recording's groups in ascending group order, each with
// its segments in playlist order, together with the scheme that applies.
func (r *Resolver) Resolve(ctx context.Context, desc model.RecordingDescriptor) ([]model.SegmentGroup, model.Scheme, error) {
	scheme, err := desc.Scheme()
	if err != nil {
		return nil, scheme, err
	}

	var groups []model.SegmentGroup
	switch scheme {
	case model.SchemeA:
		groups, err = r.resolveA(ctx, desc)
	case model.SchemeB:
		groups, err = r.resolveB(ctx, desc)
	default:
		return nil, scheme, &model.UnsupportedSchemeError{Key: desc.Key(), Marker: desc.Marker()}
	}
	if err != nil {
		return nil, scheme, err
	}
	if err := model.ValidateOrder(groups); err != nil {
		return nil, scheme, &model.ResolutionError{Key: desc.Key(), Reason: "inconsistent ordering", Err: err}
	}
	return groups, scheme, nil
}

type streamDocument struct {
	Streams []struct {
		Name     string `json:"name"`
		Playlist string `json:"playlist"`
		Index    *int   `json:"index"`
	} `json:"streams"`
}

type stream struct {
	index    int
	name     string
	playlist string
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

func (r *Resolver) descriptorURL(locationPath string) string {
	return r.cdnBase + "/" + strings.Trim(locationPath, "/") + "/" + r.descriptorName
}

func (r *Resolver) resolveA(ctx context.Context, desc model.RecordingDescriptor) ([]model.SegmentGroup, error) {
	key := desc.Key()
	docURL := r.descriptorURL(desc.LocationPath)
	base, err := url.Parse(docURL)
	if err != nil {
		return nil, &model.ResolutionError{Key: key, Reason: "invalid descriptor location", Err: err}
	}

	signed, err := r.signer.SignURL(ctx, model.SchemeA, docURL)
	if err != nil {
		return nil, err
	}
	body, err := r.fetcher.Fetch(ctx, signed)
	if err != nil {
		return nil, &model.ResolutionError{Key: key, Reason: "fetch descriptor document", Err: err}
	}

	streams, err := parseStreams(body)
	if err != nil {
		return nil, &model.ResolutionError{Key: key, Reason: "descriptor document", Err: err}
	}

	groups := make([]model.SegmentGroup, 0, len(streams))
	for _, s := range streams {
		ref, err := url.Parse(s.playlist)
		if err != nil {
			return nil, &model.ResolutionError{Key: key, Reason: fmt.Sprintf("stream %q playlist location", s.name), Err: err}
		}
		playlistURL := base.ResolveReference(ref).String()
		m, err := r.loadSegments(ctx, model.SchemeA, playlistURL, false)
		if err != nil {
			return nil, r.wrapPlaylistErr(key, err)
		}
		groups = append(groups, m.group(s.index, s.name, playlistURL))
		r.logger.Debug().Str("key", key).Str("group", s.name).Int("segments", len(m.uris)).Msg("group resolved")
	}
	return groups, nil
}

// parseStreams decodes the descriptor document and orders its streams. The
// group numbering starts wherever the document starts.
func parseStreams(body []byte) ([]stream, error) {
	var doc streamDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(doc.Streams) == 0 {
		return nil, errors.New("no streams listed")
	}

	seen := make(map[int]string, len(doc.Streams))
	streams := make([]stream, 0, len(doc.Streams))
	for _, s := range doc.Streams {
		name := strings.Trim(strings.TrimSpace(s.Name), "/")
		var index int
		if s.Index != nil {
			index = *s.Index
		} else {
			m := trailingDigits.FindStringSubmatch(name)
			if m == nil {
				return nil, fmt.Errorf("stream %q has no numeric index", s.Name)
			}
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("stream %q index: %w", s.Name, err)
			}
			index = n
		}
		if prev, dup := seen[index]; dup {
			return nil, fmt.Errorf("streams %q and %q share index %d", prev, s.Name, index)
		}
		seen[index] = s.Name

		ref := strings.TrimSpace(s.Playlist)
		if ref == "" {
			if name == "" {
				return nil, fmt.Errorf("stream %d has neither name nor playlist", index)
			}
			ref = name + "/a.m3u8"
		}
		streams = append(streams, stream{index: index, name: name, playlist: ref})
	}

	sort.Slice(streams, func(i, j int) bool { return streams[i].index < streams[j].index })
	return streams, nil
}

func (r *Resolver) resolveB(ctx context.Context, desc model.RecordingDescriptor) ([]model.SegmentGroup, error) {
	key := desc.Key()
	if r.lookup == nil {
		return nil, &model.ResolutionError{Key: key, Reason: "no play-info lookup configured"}
	}

	info, err := r.lookup.PlayInfo(ctx, desc.ID)
	if err != nil {
		if fetcher.IsStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
			return nil, &model.AuthError{Scheme: model.SchemeB, Attempts: 1, Err: err}
		}
		return nil, &model.ResolutionError{Key: key, Reason: "play-info lookup", Err: err}
	}
	candidates := info.Ranked()
	if len(candidates) == 0 {
		return nil, &model.ResolutionError{Key: key, Reason: "play-info lookup", Err: catalog.ErrNoPlayURL}
	}

	// Renditions are tried best first; one that cannot be fetched or lists no
	// segments hands over to the next.
	var lastErr error
	for _, v := range candidates {
		m, err := r.loadSegments(ctx, model.SchemeB, v.URL, true)
		if err != nil {
			var auth *model.AuthError
			if errors.As(err, &auth) || ctx.Err() != nil {
				return nil, r.wrapPlaylistErr(key, err)
			}
			r.logger.Debug().Str("key", key).Str("variant", fetcher.Redact(v.URL)).Err(err).Msg("rendition unusable, trying next")
			lastErr = err
			continue
		}
		name := v.Definition
		if name == "" {
			name = "main"
		}
		r.logger.Debug().Str("key", key).Str("variant", name).Int("bitrate", v.Bitrate).Int("segments", len(m.uris)).Msg("variant resolved")
		return []model.SegmentGroup{m.group(1, name, v.URL)}, nil
	}
	return nil, r.wrapPlaylistErr(key, fmt.Errorf("all %d renditions failed, last: %w", len(candidates), lastErr))
}

// media is the segment list of one resolved playlist.
type media struct {
	uris      []string
	durations []float64
}

func (m media) group(index int, name, playlistURI string) model.SegmentGroup {
	return model.NewSegmentGroup(index, name, playlistURI, m.uris).WithDurations(m.durations)
}

// loadSegments fetches and parses a playlist, following a master playlist to
// its highest-bandwidth variant once. The returned URIs are unsigned for
// Scheme A and carry the pre-signed query for Scheme B.
func (r *Resolver) loadSegments(ctx context.Context, scheme model.Scheme, uri string, inheritQuery bool) (media, error) {
	for depth := 0; ; depth++ {
		base, err := url.Parse(uri)
		if err != nil {
			return media{}, fmt.Errorf("playlist location %q: %w", fetcher.Redact(uri), err)
		}
		signed, err := r.signer.SignURL(ctx, scheme, uri)
		if err != nil {
			return media{}, err
		}
		body, err := r.fetcher.Fetch(ctx, signed)
		if err != nil {
			return media{}, fmt.Errorf("fetch playlist: %w", err)
		}

		pl, err := playlist.Parse(body, base, playlist.Options{InheritQuery: inheritQuery})
		if err != nil {
			return media{}, err
		}
		if pl.IsMaster() {
			if depth > 0 {
				return media{}, &model.MalformedPlaylistError{URI: fetcher.Redact(uri), Reason: "variant list points at another variant list"}
			}
			variant, _ := pl.BestVariant()
			r.logger.Debug().Str("variant", fetcher.Redact(variant.URI)).Uint32("bandwidth", variant.Bandwidth).Msg("following variant playlist")
			uri = variant.URI
			continue
		}
		if pl.Encrypted {
			r.logger.Warn().Str("playlist", fetcher.Redact(uri)).Msg("playlist declares encrypted segments; output will need the key to play")
		}

		m := media{uris: pl.Segments, durations: pl.Durations}
		if pl.InitSegment != "" {
			m.uris = append([]string{pl.InitSegment}, m.uris...)
			m.durations = append([]float64{0}, m.durations...)
		}
		return m, nil
	}
}

func (r *Resolver) wrapPlaylistErr(key string, err error) error {
	var (
		malformed *model.MalformedPlaylistError
		auth      *model.AuthError
	)
	if errors.As(err, &malformed) || errors.As(err, &auth) {
		return err
	}
	return &model.ResolutionError{Key: key, Reason: "load playlist", Err: err}
}
