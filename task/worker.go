package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"memfetch/media"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type ImageMerger interface {
	MergeImage(main, overlay []byte) ([]byte, error)
}

type VideoMerger interface {
	MergeVideo(ctx context.Context, mainPath, overlayPath, outPath string) error
}

type VideoJoiner interface {
	JoinVideos(ctx context.Context, inputs []string, outPath string) error
}

type MetadataEmbedder interface {
	EmbedMetadata(data []byte, date, latitude, longitude string) ([]byte, error)
}

// DuplicateIndex is satisfied by *dedup.Index.
type DuplicateIndex interface {
	CheckData(data []byte) (bool, string, string)
	RegisterFile(path, hash string, size int64) error
	UnregisterFile(path string)
}

type SpaceGuard interface {
	Check() error
}

// NameOwners tells which task the ledger credits with a file. *Ledger
// satisfies it.
type NameOwners interface {
	Owner(name string) (int, bool)
}

// Capabilities lists the optional collaborators. A nil member switches the
// matching feature off.
type Capabilities struct {
	Images   ImageMerger
	Videos   VideoMerger
	Metadata MetadataEmbedder
	Joiner   VideoJoiner
}

type ProcessOptions struct {
	MergeOverlays      bool
	DeferVideoOverlays bool
	OverlaysOnly       bool
	TimestampNames     bool
}

// Outcome is what one successful or skipped task produced.
type Outcome struct {
	Files      []FileEntry
	Deferred   bool
	SkipReason string
	Bytes      int64
}

const SkipNoOverlay = "no_overlay"

// Processor downloads one task and materializes its files in dir.
type Processor struct {
	dir     string
	fetcher Fetcher
	caps    Capabilities
	index   DuplicateIndex
	guard   SpaceGuard
	opts    ProcessOptions
	logger  *slog.Logger
	owners  NameOwners
	notify  func(msg string)

	mu      sync.Mutex
	claimed map[string]int

	// writeMu makes the duplicate check and the write one step.
	writeMu sync.Mutex
}

// NewProcessor wires a Processor. index and guard may be nil.
func NewProcessor(dir string, fetcher Fetcher, caps Capabilities, index DuplicateIndex, guard SpaceGuard, opts ProcessOptions, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		dir:     dir,
		fetcher: fetcher,
		caps:    caps,
		index:   index,
		guard:   guard,
		opts:    opts,
		logger:  logger,
		claimed: make(map[string]int),
	}
}

// TrackOwners lets name claims consult the ledger about files already on
// disk.
func (p *Processor) TrackOwners(o NameOwners) {
	p.mu.Lock()
	p.owners = o
	p.mu.Unlock()
}

// Process fetches t and writes its output. The returned error is recorded on
// the task; an error wrapping ErrDiskFull must stop the run.
func (p *Processor) Process(ctx context.Context, t Task) (Outcome, error) {
	if p.guard != nil {
		if err := p.guard.Check(); err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrDiskFull, err)
		}
	}

	data, err := p.fetcher.Fetch(ctx, t.URL)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Bytes: int64(len(data))}

	if media.DetectKind(data) != media.KindZip {
		if p.opts.OverlaysOnly {
			out.SkipReason = SkipNoOverlay
			return out, nil
		}
		part := &media.Part{Data: data}
		entry, err := p.writePart(t, part, t.MediaKind.DefaultExt(), "", FileSingle)
		if err != nil {
			return Outcome{}, err
		}
		out.Files = []FileEntry{entry}
		return out, nil
	}

	bundle, err := media.OpenBundle(data)
	if err != nil {
		return Outcome{}, err
	}
	if bundle.Main == nil {
		return Outcome{}, fmt.Errorf("%w: archive has no main entry", ErrContainer)
	}

	if !bundle.HasOverlay() {
		if p.opts.OverlaysOnly {
			out.SkipReason = SkipNoOverlay
			return out, nil
		}
		entry, err := p.writePart(t, bundle.Main, t.MediaKind.DefaultExt(), "", FileSingle)
		if err != nil {
			return Outcome{}, err
		}
		out.Files = []FileEntry{entry}
		return out, nil
	}

	if !p.opts.MergeOverlays {
		out.Files, err = p.writePair(t, bundle)
		return out, err
	}

	if isVideo(t, bundle.Main) {
		if p.caps.Videos == nil {
			p.logger.Debug("no video merger, keeping overlay pair", "task", t.Number)
			out.Files, err = p.writePair(t, bundle)
			return out, err
		}
		if p.opts.DeferVideoOverlays {
			out.Files, err = p.writePair(t, bundle)
			out.Deferred = err == nil
			return out, err
		}
		entry, err := p.mergeVideoNow(ctx, t, bundle)
		if err == nil {
			out.Files = []FileEntry{entry}
			return out, nil
		}
		if errors.Is(err, ErrDiskFull) {
			return Outcome{}, err
		}
		p.logger.Warn("video merge failed, keeping overlay pair", "task", t.Number, "error", err)
		out.Files, err = p.writePair(t, bundle)
		return out, err
	}

	if p.caps.Images == nil {
		out.Files, err = p.writePair(t, bundle)
		return out, err
	}
	merged, err := p.caps.Images.MergeImage(bundle.Main.Data, bundle.Overlay.Data)
	if err != nil {
		p.logger.Warn("image merge failed, keeping overlay pair", "task", t.Number, "error", err)
		out.Files, err = p.writePair(t, bundle)
		return out, err
	}
	entry, err := p.writePart(t, &media.Part{Data: merged}, partExt(bundle.Main, ".jpg"), "", FileMerged)
	if err != nil {
		return Outcome{}, err
	}
	out.Files = []FileEntry{entry}
	return out, nil
}

func (p *Processor) notef(format string, args ...any) {
	if p.notify != nil {
		p.notify(fmt.Sprintf(format, args...))
	}
}

func isVideo(t Task, main *media.Part) bool {
	if t.MediaKind == MediaVideo {
		return true
	}
	return media.IsVideoExt(partExt(main, "")) || media.LooksLikeVideo(main.Data)
}

// partExt prefers the content signature over the archive entry's name.
func partExt(p *media.Part, fallback string) string {
	if p.Ext != "" {
		fallback = strings.ToLower(p.Ext)
	}
	return media.DetectKind(p.Data).Extension(fallback)
}

// writePair saves main and overlay side by side as NAME-main.EXT and
// NAME-overlay.EXT.
func (p *Processor) writePair(t Task, b *media.Bundle) ([]FileEntry, error) {
	mainEntry, err := p.writePart(t, b.Main, t.MediaKind.DefaultExt(), "main", FileMain)
	if err != nil {
		return nil, err
	}
	overlayEntry, err := p.writePart(t, b.Overlay, ".png", "overlay", FileOverlay)
	if err != nil {
		return nil, err
	}
	return []FileEntry{mainEntry, overlayEntry}, nil
}

func (p *Processor) mergeVideoNow(ctx context.Context, t Task, b *media.Bundle) (FileEntry, error) {
	mainExt := partExt(b.Main, ".mp4")
	mainTmp, err := p.tempFile(b.Main.Data, mainExt)
	if err != nil {
		return FileEntry{}, err
	}
	defer os.Remove(mainTmp)
	overlayTmp, err := p.tempFile(b.Overlay.Data, partExt(b.Overlay, ".png"))
	if err != nil {
		return FileEntry{}, err
	}
	defer os.Remove(overlayTmp)

	outTmp := filepath.Join(p.dir, fmt.Sprintf(".tmp-merge-%d%s", t.Number, mainExt))
	defer os.Remove(outTmp)
	if err := p.caps.Videos.MergeVideo(ctx, mainTmp, overlayTmp, outTmp); err != nil {
		return FileEntry{}, fmt.Errorf("%w: %w", ErrMerge, err)
	}
	merged, err := os.ReadFile(outTmp)
	if err != nil {
		return FileEntry{}, fmt.Errorf("%w: read merged video: %w", ErrMerge, err)
	}
	return p.writePart(t, &media.Part{Data: merged}, mainExt, "", FileMerged)
}

func (p *Processor) tempFile(data []byte, ext string) (string, error) {
	f, err := os.CreateTemp(p.dir, ".tmp-*"+ext)
	if err != nil {
		return "", fsError("create temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fsError("write temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fsError("close temp file", err)
	}
	return f.Name(), nil
}

// writePart consults the duplicate index, then writes part under the task's
// output name. role is "" for single files or "main"/"overlay" for pairs.
func (p *Processor) writePart(t Task, part *media.Part, fallbackExt, role string, kind FileKind) (FileEntry, error) {
	ext := partExt(part, fallbackExt)
	data := part.Data
	if kind != FileOverlay && media.IsImageExt(ext) {
		data = p.embed(t, data)
	}

	name := p.claimName(t, media.FileName(t.Date, ext, p.opts.TimestampNames, t.Number), role, data)
	size := int64(len(data))

	var hash string
	if p.index != nil {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		dup, match, h := p.index.CheckData(data)
		if dup && match == name {
			// Reprocessed task whose identical output is already in place.
			return FileEntry{Path: name, Size: size, Kind: kind}, nil
		}
		if dup {
			p.logger.Info("skipped duplicate content", "task", t.Number, "file", name, "duplicate_of", match)
			return FileEntry{Path: name, Size: size, Kind: FileDuplicate, DuplicateOf: match}, nil
		}
		hash = h
	}

	path := filepath.Join(p.dir, name)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return FileEntry{}, err
	}
	if p.index != nil {
		if err := p.index.RegisterFile(path, hash, size); err != nil {
			p.logger.Warn("could not register file with duplicate index", "path", path, "error", err)
		}
	}
	stamp(path, t.Date, p.logger)
	return FileEntry{Path: name, Size: size, Kind: kind}, nil
}

func (p *Processor) embed(t Task, data []byte) []byte {
	if p.caps.Metadata == nil {
		return data
	}
	out, err := p.caps.Metadata.EmbedMetadata(data, t.Date, t.Latitude, t.Longitude)
	if err != nil {
		p.logger.Warn("metadata embedding failed", "task", t.Number, "error", err)
		return data
	}
	return out
}

// claimName reserves a timestamp-derived name for t and returns the final
// file name for role. Two captures from the same second would otherwise
// overwrite each other, so a name held by another task gets the sequence
// number appended. A file left on disk by t itself, for instance by a run
// that died before recording it, keeps its name.
func (p *Processor) claimName(t Task, name, role string, data []byte) string {
	final := func(n string) string {
		if role == "" {
			return n
		}
		return media.SplitName(n, role)
	}
	if !p.opts.TimestampNames {
		return final(name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// Claims are per stem so both halves of a pair move together.
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	owner, taken := p.claimed[stem]
	if !taken {
		if owner, taken = p.diskOwner(final(name), data); taken {
			p.claimed[stem] = owner
		}
	}
	if taken && owner != t.Number {
		stem += "_" + media.SequenceStem(t.Number)
	}
	p.claimed[stem] = t.Number
	return final(stem + ext)
}

// diskOwner reports who holds an existing file. With a ledger the answer is
// the task it credits, and files nobody owns are free to reuse. Without one
// a file is only free when it already holds data.
func (p *Processor) diskOwner(name string, data []byte) (int, bool) {
	if p.owners != nil {
		return p.owners.Owner(name)
	}
	existing, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil || bytes.Equal(existing, data) {
		return 0, false
	}
	return 0, true
}

func stamp(path, date string, logger *slog.Logger) {
	ts, ok := media.ParseCaptureTime(date)
	if !ok {
		return
	}
	if err := media.StampFile(path, ts); err != nil {
		logger.Debug("could not set file times", "path", path, "error", err)
	}
}
