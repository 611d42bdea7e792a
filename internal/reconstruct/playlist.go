package reconstruct

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/grafov/m3u8"

	"github.com/knpwrs/recfetch/internal/filesystem"
	"github.com/knpwrs/recfetch/internal/model"
)

// LocalPlaylistName is the playlist written into retained staging directories.
const LocalPlaylistName = "local.m3u8"

// WriteLocalPlaylist writes a playlist that references the staged segments of
// groups relative to stagingDir, so a retained staging area can be played or
// inspected without network access. Groups are separated by discontinuities
// and segments that were not fetched are left out.
//
// Returns the path of the written playlist.
//
// See: https://context7.com/golang/go for Go documentation
func WriteLocalPlaylist(groups []model.SegmentGroup, stagingDir string) (string, error) {
	target := filepath.Join(stagingDir, LocalPlaylistName)
	content, err := RenderLocalPlaylist(groups, stagingDir)
	if err != nil {
		return "", err
	}
	if err := renameio.WriteFile(target, content, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	return target, nil
}

// RenderLocalPlaylist renders the local playlist as a closed VOD media
// playlist without writing it. Segments keep the durations their source
// playlist declared; unknown durations are written as zero.
func RenderLocalPlaylist(groups []model.SegmentGroup, stagingDir string) ([]byte, error) {
	segs := Ordered(groups)
	if len(segs) == 0 {
		return nil, errors.New("no fetched segments to list")
	}

	pl, err := m3u8.NewMediaPlaylist(0, uint(len(segs)))
	if err != nil {
		return nil, fmt.Errorf("create playlist: %w", err)
	}
	pl.MediaType = m3u8.VOD

	for i, seg := range segs {
		rel, err := filesystem.RelativePath(stagingDir, seg.StagingPath)
		if err != nil {
			return nil, fmt.Errorf("segment %d/%d: %w", seg.Group, seg.Index, err)
		}
		if err := pl.Append(rel, seg.Duration, ""); err != nil {
			return nil, fmt.Errorf("segment %d/%d: %w", seg.Group, seg.Index, err)
		}
		if i > 0 && seg.Group != segs[i-1].Group {
			if err := pl.SetDiscontinuity(); err != nil {
				return nil, fmt.Errorf("segment %d/%d: %w", seg.Group, seg.Index, err)
			}
		}
	}
	if pl.TargetDuration < 1 {
		pl.TargetDuration = 1
	}
	pl.Close()
	return pl.Encode().Bytes(), nil
}
