package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/apex-audit/apex-audit/pkg/checksum"
)

// Manifest describes one archive file after it was stored.
type Manifest struct {
	Table    string `json:"table"`
	Path     string `json:"path"`
	Rows     int    `json:"rows"`
	MaxID    int64  `json:"max_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"sha256"`
}

// Archiver exports rows to a Sink as JSON Lines, one file per table and run, with a
// sha256sum sidecar next to each file.
type Archiver struct {
	sink   Sink
	prefix string
	now    func() time.Time
}

// NewArchiver creates an archiver writing below prefix
func NewArchiver(sink Sink, prefix string) *Archiver {
	return &Archiver{sink: sink, prefix: strings.Trim(prefix, "/"), now: time.Now}
}

// Batch is an archive file being assembled in a temporary file.
type Batch struct {
	table string
	file  *os.File
	cw    *checksum.Writer
	enc   *json.Encoder
	rows  int
	maxID int64
}

// Begin starts a new archive file for table
func (a *Archiver) Begin(table string) (*Batch, error) {
	f, err := os.CreateTemp("", "apex-archive-*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive spool file: %w", err)
	}
	cw := checksum.NewWriter(f)
	return &Batch{table: table, file: f, cw: cw, enc: json.NewEncoder(cw)}, nil
}

// Add appends row, whose primary key is id, as one JSON line
func (b *Batch) Add(id int64, row any) error {
	if err := b.enc.Encode(row); err != nil {
		return fmt.Errorf("failed to encode %s row %d: %w", b.table, id, err)
	}
	b.rows++
	if id > b.maxID {
		b.maxID = id
	}
	return nil
}

// Rows returns the number of rows added so far
func (b *Batch) Rows() int { return b.rows }

// MaxID returns the highest id added so far
func (b *Batch) MaxID() int64 { return b.maxID }

// Discard drops the batch without storing it
func (b *Batch) Discard() {
	b.file.Close()
	_ = os.Remove(b.file.Name())
}

// Commit stores the batch in the sink and removes the spool file. An empty batch is
// discarded and returns nil, nil.
func (a *Archiver) Commit(ctx context.Context, b *Batch) (*Manifest, error) {
	defer b.Discard()
	if b.rows == 0 {
		return nil, nil
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind archive spool file: %w", err)
	}

	now := a.now().UTC()
	name := fmt.Sprintf("%s-%s.jsonl", b.table, now.Format("20060102T150405Z"))
	key := path.Join(a.prefix, b.table, now.Format("2006/01/02"), name)
	sum := b.cw.Sum()

	res, err := a.sink.Put(ctx, key, b.file, b.cw.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to store archive %s: %w", key, err)
	}
	if res.Checksum != "" && res.Checksum != sum {
		return nil, fmt.Errorf("archive %s checksum mismatch: wrote %s, sink stored %s", key, sum, res.Checksum)
	}

	line := checksum.SidecarLine(sum, name)
	if _, err := a.sink.Put(ctx, key+".sha256", strings.NewReader(line), int64(len(line))); err != nil {
		return nil, fmt.Errorf("failed to store checksum for %s: %w", key, err)
	}

	return &Manifest{
		Table:    b.table,
		Path:     key,
		Rows:     b.rows,
		MaxID:    b.maxID,
		Size:     res.Size,
		Checksum: sum,
	}, nil
}
