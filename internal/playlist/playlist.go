// Package playlist turns playlist documents into ordered segment references.
package playlist

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/knpwrs/recfetch/internal/model"
)

// Variant is one entry of a master playlist.
type Variant struct {
	URI       string
	Bandwidth uint32
}

// Playlist represents a parsed playlist document.
//
// Segments holds absolute segment URLs in document order and Durations the
// matching #EXTINF durations in seconds (zero when the document gives none).
// A master playlist has Variants instead. InitSegment is the EXT-X-MAP initialization segment,
// when present, and must precede every media segment on reassembly.
//
// See: https://context7.com/golang/go for Go documentation
type Playlist struct {
	Segments    []string
	Durations   []float64
	Variants    []Variant
	InitSegment string
	Encrypted   bool
}

// Options adjusts how references are resolved.
type Options struct {
	// InheritQuery copies the playlist URL's query onto segment references that
	// carry none, so pre-signed tokens travel with every segment.
	InheritQuery bool
}

// IsMaster reports whether the document only lists variants.
func (p *Playlist) IsMaster() bool {
	return len(p.Segments) == 0 && len(p.Variants) > 0
}

// BestVariant returns the highest-bandwidth variant. Ties keep document order.
func (p *Playlist) BestVariant() (Variant, bool) {
	if len(p.Variants) == 0 {
		return Variant{}, false
	}
	best := p.Variants[0]
	for _, v := range p.Variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best, true
}

// Parse parses a playlist and resolves every reference against base.
//
// Documents starting with #EXTM3U are decoded as HLS. Plain reference lists,
// and HLS documents the decoder cannot make sense of, fall back to a line
// scanner that keeps every non-comment line. A document yielding neither
// segments nor variants is a MalformedPlaylistError.
//
// Parameters:
//   - text: The raw playlist content
//   - base: The URL the playlist was fetched from, used for resolving relative URLs
//
// See: https://context7.com/golang/go for Go documentation
func Parse(text []byte, base *url.URL, opts Options) (*Playlist, error) {
	if base == nil {
		return nil, &model.MalformedPlaylistError{Reason: "missing base URL"}
	}

	var pl *Playlist
	if hasHeader(text) {
		pl = decodeHLS(text)
	}
	if pl == nil {
		scanned, err := scan(text)
		if err != nil {
			return nil, &model.MalformedPlaylistError{URI: redact(base), Reason: err.Error()}
		}
		pl = scanned
	}

	if len(pl.Segments) == 0 && len(pl.Variants) == 0 {
		return nil, &model.MalformedPlaylistError{URI: redact(base), Reason: "no segments"}
	}

	for i, ref := range pl.Segments {
		pl.Segments[i] = resolve(base, ref, opts.InheritQuery)
	}
	if pl.InitSegment != "" {
		pl.InitSegment = resolve(base, pl.InitSegment, opts.InheritQuery)
	}
	for i := range pl.Variants {
		pl.Variants[i].URI = resolve(base, pl.Variants[i].URI, opts.InheritQuery)
	}
	return pl, nil
}

func hasHeader(text []byte) bool {
	trimmed := bytes.TrimLeft(text, "\ufeff \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("#EXTM3U"))
}

// decodeHLS returns nil when the HLS decoder rejects the document or finds
// nothing in it, so the caller can fall back to scanning.
func decodeHLS(text []byte) *Playlist {
	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(text), false)
	if err != nil {
		return nil
	}

	pl := &Playlist{}
	switch listType {
	case m3u8.MASTER:
		master := decoded.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil || v.URI == "" || v.Iframe {
				continue
			}
			pl.Variants = append(pl.Variants, Variant{URI: v.URI, Bandwidth: v.Bandwidth})
		}
	case m3u8.MEDIA:
		media := decoded.(*m3u8.MediaPlaylist)
		for _, seg := range media.Segments {
			if seg == nil {
				break
			}
			if seg.URI == "" {
				continue
			}
			pl.Segments = append(pl.Segments, seg.URI)
			pl.Durations = append(pl.Durations, seg.Duration)
			if pl.InitSegment == "" && seg.Map != nil {
				pl.InitSegment = seg.Map.URI
			}
			if seg.Key != nil && !strings.EqualFold(seg.Key.Method, "NONE") {
				pl.Encrypted = true
			}
		}
		if media.Map != nil && media.Map.URI != "" {
			pl.InitSegment = media.Map.URI
		}
		if media.Key != nil && !strings.EqualFold(media.Key.Method, "NONE") {
			pl.Encrypted = true
		}
	}

	if len(pl.Segments) == 0 && len(pl.Variants) == 0 {
		return nil
	}
	return pl
}

// scan is the line-oriented fallback. Lines following #EXT-X-STREAM-INF are
// variants; every other non-comment line is a segment.
func scan(text []byte) (*Playlist, error) {
	pl := &Playlist{}
	var (
		pendingVariant  *Variant
		pendingDuration float64
	)

	scanner := bufio.NewScanner(bytes.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			switch {
			case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
				pendingVariant = &Variant{Bandwidth: attributeUint(line, "BANDWIDTH")}
			case strings.HasPrefix(line, "#EXT-X-MAP"):
				if uris := extractURLsFromTag(line); len(uris) > 0 {
					pl.InitSegment = uris[0]
				}
			case strings.HasPrefix(line, "#EXT-X-KEY"):
				if !strings.Contains(strings.ToUpper(line), "METHOD=NONE") {
					pl.Encrypted = true
				}
			}
			continue
		}

		if pendingVariant != nil {
			pendingVariant.URI = line
			pl.Variants = append(pl.Variants, *pendingVariant)
			pendingVariant = nil
			continue
		}
		pl.Segments = append(pl.Segments, line)
		pl.Durations = append(pl.Durations, pendingDuration)
		pendingDuration = 0
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning playlist: %w", err)
	}
	return pl, nil
}

// extractURLsFromTag extracts URI attribute values from tag lines such as
// #EXT-X-MAP:URI="init.mp4".
func extractURLsFromTag(line string) []string {
	urls := make([]string, 0)

	uriPrefix := "URI=\""
	for {
		idx := strings.Index(line, uriPrefix)
		if idx == -1 {
			break
		}
		line = line[idx+len(uriPrefix):]
		endIdx := strings.Index(line, "\"")
		if endIdx == -1 {
			break
		}
		urls = append(urls, line[:endIdx])
		line = line[endIdx+1:]
	}

	return urls
}

// extinfDuration reads the duration of an #EXTINF:<seconds>,<title> line.
func extinfDuration(line string) float64 {
	value := strings.TrimPrefix(line, "#EXTINF:")
	if end := strings.IndexByte(value, ','); end != -1 {
		value = value[:end]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func attributeUint(line, name string) uint32 {
	idx := strings.Index(line, name+"=")
	if idx == -1 {
		return 0
	}
	value := line[idx+len(name)+1:]
	if end := strings.IndexByte(value, ','); end != -1 {
		value = value[:end]
	}
	n, err := strconv.ParseUint(strings.Trim(value, `"`), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// resolve resolves a potentially relative reference against base.
//
// This handles three cases:
// 1. Absolute URLs (http://, https://) - returned as-is
// 2. Absolute paths (/path/to/file) - combined with base scheme and host
// 3. Relative paths (../path or file.ts) - resolved relative to base URL's path
//
// See: https://context7.com/golang/go for Go URL handling documentation
func resolve(base *url.URL, ref string, inheritQuery bool) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return resolveRelativePath(base, ref)
	}

	resolved := refURL
	if !refURL.IsAbs() {
		resolved = base.ResolveReference(refURL)
	}
	if inheritQuery && resolved.RawQuery == "" && base.RawQuery != "" {
		copied := *resolved
		copied.RawQuery = base.RawQuery
		resolved = &copied
	}
	if resolved == refURL {
		return ref
	}
	return resolved.String()
}

// resolveRelativePath joins an unparseable reference onto the base directory.
func resolveRelativePath(base *url.URL, relativePath string) string {
	result := &url.URL{
		Scheme: base.Scheme,
		Host:   base.Host,
		Path:   path.Join(path.Dir(base.Path), relativePath),
	}
	return result.String()
}

func redact(u *url.URL) string {
	copied := *u
	if copied.RawQuery != "" {
		copied.RawQuery = "redacted"
	}
	return copied.String()
}
