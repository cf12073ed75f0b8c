package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"memfetch/media"
)

// MultiSnapWindow is the largest gap between two captures that still
// belong to one multi-snap recording.
const MultiSnapWindow = 10 * time.Second

type JoinResult struct {
	Groups int `json:"groups_found"`
	Joined int `json:"videos_joined"`
	Failed int `json:"groups_failed"`
}

type snapClip struct {
	number int
	at     time.Time
	file   FileEntry
}

// multiSnapGroups collects finished single-video tasks whose capture times
// follow each other within window. Only runs of two or more are returned.
func multiSnapGroups(tasks []Task, window time.Duration) [][]snapClip {
	var clips []snapClip
	for _, t := range tasks {
		if t.State != StateSuccess || t.DeferredForMerge || len(t.Files) != 1 {
			continue
		}
		f := t.Files[0]
		if (f.Kind != FileSingle && f.Kind != FileMerged) || !media.IsVideoExt(f.Path) {
			continue
		}
		at, ok := media.ParseCaptureTime(t.Date)
		if !ok {
			continue
		}
		clips = append(clips, snapClip{number: t.Number, at: at, file: f})
	}
	sort.SliceStable(clips, func(i, j int) bool { return clips[i].at.Before(clips[j].at) })

	var groups [][]snapClip
	var cur []snapClip
	for _, c := range clips {
		if len(cur) > 0 && c.at.Sub(cur[len(cur)-1].at) > window {
			if len(cur) > 1 {
				groups = append(groups, cur)
			}
			cur = nil
		}
		cur = append(cur, c)
	}
	if len(cur) > 1 {
		groups = append(groups, cur)
	}
	return groups
}

// JoinMultiSnaps concatenates videos recorded back to back into one file
// per group. The first task of a group owns the joined file and the others
// point at it. Groups that fail keep their videos.
func (p *Processor) JoinMultiSnaps(ctx context.Context, ledger *Ledger, window time.Duration) JoinResult {
	var res JoinResult
	if p.caps.Joiner == nil {
		p.logger.Warn("video joining is unavailable, skipping multi-snap detection")
		return res
	}
	groups := multiSnapGroups(ledger.Snapshot(), window)
	res.Groups = len(groups)
	for i, g := range groups {
		if ctx.Err() != nil {
			p.logger.Warn("multi-snap joining interrupted", "remaining", len(groups)-i)
			break
		}
		name, err := p.joinGroup(ctx, ledger, g)
		if err != nil {
			res.Failed++
			p.logger.Warn("could not join multi-snap", "first_task", g[0].number, "videos", len(g), "error", err)
			p.notef("Multi-snap starting at task %d not joined: %v", g[0].number, err)
			continue
		}
		res.Joined += len(g)
		p.logger.Info("joined multi-snap", "file", name, "videos", len(g))
		p.notef("Joined %d videos into %s", len(g), name)
	}
	return res
}

func (p *Processor) joinGroup(ctx context.Context, ledger *Ledger, g []snapClip) (string, error) {
	first := g[0].file.Path
	ext := filepath.Ext(first)
	name := strings.TrimSuffix(first, ext) + "-joined" + ext
	outPath := filepath.Join(p.dir, name)

	inputs := make([]string, len(g))
	for i, c := range g {
		inputs[i] = filepath.Join(p.dir, c.file.Path)
	}

	tmp := filepath.Join(p.dir, ".tmp-"+name)
	defer os.Remove(tmp)
	if err := p.caps.Joiner.JoinVideos(ctx, inputs, tmp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMerge, err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return "", fsError("place joined video", err)
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return "", fsError("stat joined video", err)
	}

	// Record the join for every task before any source video goes away.
	for i, c := range g {
		entry := FileEntry{Path: name, Size: info.Size(), Kind: FileJoined}
		if i > 0 {
			entry = FileEntry{Path: c.file.Path, Size: c.file.Size, Kind: FileJoined, JoinedInto: name}
		}
		if err := ledger.Update(c.number, func(t *Task) error {
			t.Files = []FileEntry{entry}
			return nil
		}); err != nil {
			if i == 0 {
				os.Remove(outPath)
			}
			return "", err
		}
	}

	if err := media.StampFile(outPath, g[0].at); err != nil {
		p.logger.Debug("could not set file times", "path", outPath, "error", err)
	}
	p.removeOriginals(ledger, inputs...)
	if p.index != nil {
		if err := p.index.RegisterFile(outPath, "", info.Size()); err != nil {
			p.logger.Warn("could not register joined file", "path", outPath, "error", err)
		}
	}
	return name, nil
}
