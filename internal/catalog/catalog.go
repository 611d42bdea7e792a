// Package catalog talks to the play-info lookup that exposes pre-signed
// playlist URLs for transcoded recordings.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/knpwrs/recfetch/internal/fetcher"
)

// ErrNoPlayURL is returned when a lookup succeeds but lists nothing playable.
var ErrNoPlayURL = errors.New("play info lists no playable url")

// Variant is one rendition offered by the lookup.
type Variant struct {
	URL        string
	Bitrate    int
	Definition string
}

// PlayInfo is the decoded lookup result.
type PlayInfo struct {
	URL      string
	Variants []Variant
}

// definitionRank orders named renditions when bitrates tie or are missing.
var definitionRank = map[string]int{"hd": 4, "sd": 3, "ld": 2, "od": 1}

// Ranked returns every playable rendition, best first: higher bitrate wins,
// ties (including unknown bitrates) prefer hd over sd over ld over od, then
// document order. The plain URL comes last unless a variant already lists it.
func (p PlayInfo) Ranked() []Variant {
	ranked := make([]Variant, 0, len(p.Variants)+1)
	seen := make(map[string]bool, len(p.Variants)+1)
	for _, v := range p.Variants {
		if v.URL == "" || seen[v.URL] {
			continue
		}
		seen[v.URL] = true
		ranked = append(ranked, v)
	}
	slices.SortStableFunc(ranked, func(a, b Variant) int {
		switch {
		case better(a, b):
			return -1
		case better(b, a):
			return 1
		}
		return 0
	})
	if p.URL != "" && !seen[p.URL] {
		ranked = append(ranked, Variant{URL: p.URL})
	}
	return ranked
}

func better(a, b Variant) bool {
	if a.Bitrate != b.Bitrate {
		return a.Bitrate > b.Bitrate
	}
	return definitionRank[strings.ToLower(a.Definition)] > definitionRank[strings.ToLower(b.Definition)]
}

type playInfoRequest struct {
	ID     string `json:"id"`
	FileID string `json:"fileId"`
}

type playInfoResponse struct {
	Obj *struct {
		URL             string `json:"url"`
		BitrateVariants []struct {
			Bitrate    int    `json:"bitrate"`
			URL        string `json:"url"`
			Definition string `json:"definition"`
		} `json:"bitrate_variants"`
		HDPlayURL string   `json:"hdPlayUrl"`
		SDPlayURL string   `json:"sdPlayUrl"`
		LDPlayURL string   `json:"ldPlayUrl"`
		ODPlayURL string   `json:"odPlayUrl"`
		PlayURLs  []string `json:"playUrls"`
	} `json:"obj"`
}

// Client performs play-info lookups.
type Client struct {
	fetcher *fetcher.Fetcher
	url     string
	token   string
}

// NewClient returns a Client posting to playInfoURL with the given access token.
func NewClient(f *fetcher.Fetcher, playInfoURL, accessToken string) *Client {
	return &Client{fetcher: f, url: playInfoURL, token: accessToken}
}

// PlayInfo looks up the playable renditions of a recording.
func (c *Client) PlayInfo(ctx context.Context, id string) (PlayInfo, error) {
	headers := map[string]string{}
	if c.token != "" {
		headers["access-token"] = c.token
	}

	var resp playInfoResponse
	if err := c.fetcher.PostJSON(ctx, c.url, headers, playInfoRequest{ID: id, FileID: id}, &resp); err != nil {
		return PlayInfo{}, fmt.Errorf("play info for %s: %w", id, err)
	}
	if resp.Obj == nil {
		return PlayInfo{}, fmt.Errorf("play info for %s: %w", id, ErrNoPlayURL)
	}

	info := PlayInfo{URL: resp.Obj.URL}
	for _, v := range resp.Obj.BitrateVariants {
		info.Variants = append(info.Variants, Variant{URL: v.URL, Bitrate: v.Bitrate, Definition: v.Definition})
	}
	named := []Variant{
		{URL: resp.Obj.HDPlayURL, Definition: "hd"},
		{URL: resp.Obj.SDPlayURL, Definition: "sd"},
		{URL: resp.Obj.LDPlayURL, Definition: "ld"},
		{URL: resp.Obj.ODPlayURL, Definition: "od"},
	}
	for _, v := range named {
		if v.URL != "" {
			info.Variants = append(info.Variants, v)
		}
	}
	for _, u := range resp.Obj.PlayURLs {
		if u != "" {
			info.Variants = append(info.Variants, Variant{URL: u})
		}
	}

	if len(info.Ranked()) == 0 {
		return PlayInfo{}, fmt.Errorf("play info for %s: %w", id, ErrNoPlayURL)
	}
	return info, nil
}
