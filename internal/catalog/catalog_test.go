package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knpwrs/recfetch/internal/fetcher"
)

func TestRankedPrefersBitrateThenDefinition(t *testing.T) {
	tests := []struct {
		name string
		info PlayInfo
		want string
	}{
		{
			name: "highest bitrate",
			info: PlayInfo{Variants: []Variant{{URL: "low", Bitrate: 500}, {URL: "high", Bitrate: 2000}, {URL: "mid", Bitrate: 1000}}},
			want: "high",
		},
		{
			name: "tie broken by definition",
			info: PlayInfo{Variants: []Variant{{URL: "sd", Bitrate: 1000, Definition: "SD"}, {URL: "hd", Bitrate: 1000, Definition: "hd"}}},
			want: "hd",
		},
		{
			name: "missing bitrates use definition",
			info: PlayInfo{Variants: []Variant{{URL: "od", Definition: "od"}, {URL: "ld", Definition: "ld"}, {URL: "sd", Definition: "sd"}}},
			want: "sd",
		},
		{
			name: "plain url fallback",
			info: PlayInfo{URL: "only"},
			want: "only",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranked := tt.info.Ranked()
			require.NotEmpty(t, ranked)
			assert.Equal(t, tt.want, ranked[0].URL)
		})
	}

	assert.Empty(t, PlayInfo{}.Ranked())
}

func TestRankedListsEveryCandidateOnce(t *testing.T) {
	info := PlayInfo{
		URL: "plain",
		Variants: []Variant{
			{URL: "od", Definition: "od"},
			{URL: "hd", Definition: "hd"},
			{URL: "plain"},
			{URL: "fast", Bitrate: 3000},
			{URL: "sd", Definition: "sd"},
			{URL: "hd", Definition: "hd"},
		},
	}

	var urls []string
	for _, v := range info.Ranked() {
		urls = append(urls, v.URL)
	}
	assert.Equal(t, []string{"fast", "hd", "sd", "od", "plain"}, urls)
}

func TestClientPlayInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("access-token"))
		var req playInfoRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "file-9", req.ID)
		assert.Equal(t, "file-9", req.FileID)
		_, _ = w.Write([]byte(`{"code":0,"obj":{"sdPlayUrl":"https://vod/sd.m3u8?k=1","hdPlayUrl":"https://vod/hd.m3u8?k=1"}}`))
	}))
	defer server.Close()

	client := NewClient(fetcher.New(fetcher.DefaultOptions()), server.URL, "tok")
	info, err := client.PlayInfo(context.Background(), "file-9")
	require.NoError(t, err)

	ranked := info.Ranked()
	require.Len(t, ranked, 2)
	assert.Equal(t, "https://vod/hd.m3u8?k=1", ranked[0].URL)
	assert.Equal(t, "https://vod/sd.m3u8?k=1", ranked[1].URL)
}

func TestClientPlayInfoWithoutURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"obj":{}}`))
	}))
	defer server.Close()

	client := NewClient(fetcher.New(fetcher.DefaultOptions()), server.URL, "")
	_, err := client.PlayInfo(context.Background(), "x")
	require.ErrorIs(t, err, ErrNoPlayURL)
}

func TestClientPlayInfoRejectedToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(fetcher.New(fetcher.DefaultOptions()), server.URL, "stale")
	_, err := client.PlayInfo(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, fetcher.IsStatus(err, http.StatusUnauthorized))
}
