package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knpwrs/recfetch/internal/catalog"
	"github.com/knpwrs/recfetch/internal/fetcher"
	"github.com/knpwrs/recfetch/internal/model"
	"github.com/knpwrs/recfetch/internal/retry"
)

type fakeSigner struct {
	mu     sync.Mutex
	signed []string
	err    error
}

func (s *fakeSigner) SignURL(ctx context.Context, scheme model.Scheme, uri string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	s.signed = append(s.signed, uri)
	s.mu.Unlock()
	if scheme != model.SchemeA {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("signature", "ok")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type fakeLookup struct {
	info catalog.PlayInfo
	err  error
}

func (l fakeLookup) PlayInfo(ctx context.Context, id string) (catalog.PlayInfo, error) {
	return l.info, l.err
}

func mediaPlaylist(names ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")
	for _, n := range names {
		fmt.Fprintf(&b, "#EXTINF:10.0,\n%s\n", n)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// cdn serves documents by path and rejects Scheme A requests that were not signed.
func cdn(t *testing.T, docs map[string]string, requireSignature bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requireSignature && r.URL.Query().Get("signature") != "ok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, ok := docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newFetcher() *fetcher.Fetcher {
	opts := fetcher.DefaultOptions()
	opts.Retry = retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
	return fetcher.New(opts)
}

func descriptorA(location string) model.RecordingDescriptor {
	return model.RecordingDescriptor{ID: "rec-a", Title: "Lecture", LocationPath: location}
}

func TestResolveSchemeAOrdersGroupsByNumericSuffix(t *testing.T) {
	server := cdn(t, map[string]string{
		"/liveclass/plaso/rec/streams.json": `{"streams":[
			{"name":"a4","playlist":"a4/a.m3u8"},
			{"name":"a2","playlist":"a2/a.m3u8"},
			{"name":"a3"}
		]}`,
		"/liveclass/plaso/rec/a2/a.m3u8": mediaPlaylist("s1.ts", "s2.ts"),
		"/liveclass/plaso/rec/a3/a.m3u8": mediaPlaylist("s1.ts", "s2.ts", "s3.ts"),
		"/liveclass/plaso/rec/a4/a.m3u8": mediaPlaylist("s1.ts"),
	}, true)

	signer := &fakeSigner{}
	r := New(newFetcher(), signer, nil, Options{CDNBase: server.URL + "/", DescriptorName: "streams.json", Logger: zerolog.Nop()})

	groups, scheme, err := r.Resolve(context.Background(), descriptorA("/liveclass/plaso/rec/"))
	require.NoError(t, err)
	assert.Equal(t, model.SchemeA, scheme)

	require.Len(t, groups, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{groups[0].Index, groups[1].Index, groups[2].Index})
	assert.Equal(t, []int{2, 3, 1}, []int{len(groups[0].Segments), len(groups[1].Segments), len(groups[2].Segments)})
	assert.Equal(t, server.URL+"/liveclass/plaso/rec/a3/s2.ts", groups[1].Segments[1].SourceURI)
	assert.Equal(t, 2, groups[1].Segments[1].Index)
	assert.Equal(t, 3, groups[1].Segments[1].Group)
	assert.NotContains(t, groups[0].Segments[0].SourceURI, "signature", "segments are signed at fetch time")
	assert.Contains(t, signer.signed, server.URL+"/liveclass/plaso/rec/streams.json")
}

func TestResolveSchemeAExplicitIndex(t *testing.T) {
	server := cdn(t, map[string]string{
		"/liveclass/r/streams.json": `{"streams":[{"name":"camera","playlist":"cam.m3u8","index":7},{"name":"board","playlist":"board.m3u8","index":0}]}`,
		"/liveclass/r/cam.m3u8":     mediaPlaylist("c.ts"),
		"/liveclass/r/board.m3u8":   "b1.ts\nb2.ts\n",
	}, true)

	r := New(newFetcher(), &fakeSigner{}, nil, Options{CDNBase: server.URL, DescriptorName: "streams.json"})
	groups, _, err := r.Resolve(context.Background(), descriptorA("liveclass/r"))
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "board", groups[0].Name)
	assert.Equal(t, 0, groups[0].Index)
	assert.Len(t, groups[0].Segments, 2)
	assert.Equal(t, 7, groups[1].Index)
}

func TestResolveSchemeAFailures(t *testing.T) {
	tests := []struct {
		name string
		docs map[string]string
		want func(t *testing.T, err error)
	}{
		{
			name: "missing document",
			docs: map[string]string{},
			want: func(t *testing.T, err error) {
				var target *model.ResolutionError
				require.ErrorAs(t, err, &target)
				assert.True(t, fetcher.IsStatus(err, http.StatusNotFound))
			},
		},
		{
			name: "malformed document",
			docs: map[string]string{"/liveclass/x/streams.json": `{"streams":`},
			want: func(t *testing.T, err error) {
				var target *model.ResolutionError
				require.ErrorAs(t, err, &target)
			},
		},
		{
			name: "empty stream list",
			docs: map[string]string{"/liveclass/x/streams.json": `{"streams":[]}`},
			want: func(t *testing.T, err error) {
				var target *model.ResolutionError
				require.ErrorAs(t, err, &target)
				assert.Contains(t, err.Error(), "no streams")
			},
		},
		{
			name: "non-numeric group",
			docs: map[string]string{"/liveclass/x/streams.json": `{"streams":[{"name":"main"}]}`},
			want: func(t *testing.T, err error) {
				var target *model.ResolutionError
				require.ErrorAs(t, err, &target)
				assert.Contains(t, err.Error(), "no numeric index")
			},
		},
		{
			name: "duplicate group",
			docs: map[string]string{"/liveclass/x/streams.json": `{"streams":[{"name":"a2"},{"name":"b2"}]}`},
			want: func(t *testing.T, err error) {
				var target *model.ResolutionError
				require.ErrorAs(t, err, &target)
				assert.Contains(t, err.Error(), "share index 2")
			},
		},
		{
			name: "playlist without segments",
			docs: map[string]string{
				"/liveclass/x/streams.json": `{"streams":[{"name":"a1"}]}`,
				"/liveclass/x/a1/a.m3u8":    "#EXTM3U\n#EXT-X-ENDLIST\n",
			},
			want: func(t *testing.T, err error) {
				var target *model.MalformedPlaylistError
				require.ErrorAs(t, err, &target)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := cdn(t, tt.docs, true)
			r := New(newFetcher(), &fakeSigner{}, nil, Options{CDNBase: server.URL, DescriptorName: "streams.json"})
			_, _, err := r.Resolve(context.Background(), descriptorA("liveclass/x"))
			require.Error(t, err)
			assert.True(t, model.IsResourceFatal(err))
			tt.want(t, err)
		})
	}
}

func TestResolveSchemeACredentialFailure(t *testing.T) {
	authErr := &model.AuthError{Scheme: model.SchemeA, Attempts: 3, Err: errors.New("identity down")}
	r := New(newFetcher(), &fakeSigner{err: authErr}, nil, Options{CDNBase: "https://cdn.example.com", DescriptorName: "streams.json"})

	_, _, err := r.Resolve(context.Background(), descriptorA("liveclass/x"))
	var target *model.AuthError
	require.ErrorAs(t, err, &target)
}

func TestResolveSchemeBFollowsMasterAndInheritsQuery(t *testing.T) {
	server := cdn(t, map[string]string{
		"/v/master.m3u8":     "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=400000\nlow/index.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=1600000\nhigh/index.m3u8\n",
		"/v/high/index.m3u8": mediaPlaylist("seg-1.ts", "seg-2.ts"),
	}, false)

	lookup := fakeLookup{info: catalog.PlayInfo{Variants: []catalog.Variant{
		{URL: server.URL + "/v/sd.m3u8?auth_key=zzz", Definition: "sd"},
		{URL: server.URL + "/v/master.m3u8?auth_key=abc", Definition: "hd"},
	}}}
	r := New(newFetcher(), &fakeSigner{}, lookup, Options{})

	desc := model.RecordingDescriptor{ID: "file-9", Title: "Upload", LocationPath: "ossvideo/abc"}
	groups, scheme, err := r.Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, model.SchemeB, scheme)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Index)
	assert.Equal(t, "hd", groups[0].Name)
	require.Len(t, groups[0].Segments, 2)
	assert.Equal(t, server.URL+"/v/high/seg-1.ts?auth_key=abc", groups[0].Segments[0].SourceURI)
}

func TestResolveSchemeBFallsBackToNextRendition(t *testing.T) {
	server := cdn(t, map[string]string{
		"/v/ld.m3u8": "#EXTM3U\n#EXT-X-ENDLIST\n",
		"/v/sd.m3u8": mediaPlaylist("sd-1.ts", "sd-2.ts", "sd-3.ts"),
	}, false)

	lookup := fakeLookup{info: catalog.PlayInfo{Variants: []catalog.Variant{
		{URL: server.URL + "/v/sd.m3u8?auth_key=s", Definition: "sd"},
		{URL: server.URL + "/v/ld.m3u8?auth_key=l", Definition: "ld"},
		{URL: server.URL + "/v/hd.m3u8?auth_key=h", Definition: "hd"},
	}}}
	r := New(newFetcher(), &fakeSigner{}, lookup, Options{})

	groups, _, err := r.Resolve(context.Background(), model.RecordingDescriptor{ID: "f", SchemeMarker: "ossvideo"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "sd", groups[0].Name)
	require.Len(t, groups[0].Segments, 3)
	assert.Equal(t, server.URL+"/v/sd-1.ts?auth_key=s", groups[0].Segments[0].SourceURI)
	assert.Equal(t, 10.0, groups[0].Segments[0].Duration)
}

func TestResolveSchemeBEveryRenditionFails(t *testing.T) {
	server := cdn(t, map[string]string{
		"/v/sd.m3u8": "#EXTM3U\n#EXT-X-ENDLIST\n",
	}, false)

	lookup := fakeLookup{info: catalog.PlayInfo{Variants: []catalog.Variant{
		{URL: server.URL + "/v/hd.m3u8", Definition: "hd"},
		{URL: server.URL + "/v/sd.m3u8", Definition: "sd"},
	}}}
	r := New(newFetcher(), &fakeSigner{}, lookup, Options{})

	_, _, err := r.Resolve(context.Background(), model.RecordingDescriptor{ID: "f", SchemeMarker: "ossvideo"})
	require.Error(t, err)
	assert.True(t, model.IsResourceFatal(err))
	var malformed *model.MalformedPlaylistError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, err.Error(), "all 2 renditions failed")
}

func TestResolveSchemeBRejectedToken(t *testing.T) {
	lookup := fakeLookup{err: &fetcher.StatusError{URL: "https://api", StatusCode: http.StatusForbidden}}
	r := New(newFetcher(), &fakeSigner{}, lookup, Options{})

	_, _, err := r.Resolve(context.Background(), model.RecordingDescriptor{ID: "f", SchemeMarker: "ossvideo"})
	var target *model.AuthError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, model.SchemeB, target.Scheme)
}

func TestResolveUnknownScheme(t *testing.T) {
	r := New(newFetcher(), &fakeSigner{}, nil, Options{})
	_, _, err := r.Resolve(context.Background(), model.RecordingDescriptor{ID: "x", LocationPath: "elsewhere/x"})
	var target *model.UnsupportedSchemeError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "x", target.Key)
}

func TestParseStreamsStartsWhereDocumentStarts(t *testing.T) {
	streams, err := parseStreams([]byte(`{"streams":[{"name":"a10"},{"name":"a9"}]}`))
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, 9, streams[0].index)
	assert.Equal(t, "a9/a.m3u8", streams[0].playlist)
	assert.Equal(t, 10, streams[1].index)
}
