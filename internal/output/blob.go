package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/johndauphine/pgextract/internal/driver"
)

// BlobWriter stores each batch as one JSON lines object named
// <schema>/<table>/<state>.jsonl[.zst].
type BlobWriter struct {
	bucket   *blob.Bucket
	name     string
	compress bool
}

// NewBlobWriter opens the bucket at bucketURL. Local directories are created
// when missing.
func NewBlobWriter(ctx context.Context, bucketURL string, compress bool) (*BlobWriter, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parsing bucket url: %w", err)
	}
	if u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0755); err != nil {
			return nil, fmt.Errorf("create output directory %s: %w", u.Path, err)
		}
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", u.Redacted(), err)
	}
	return &BlobWriter{bucket: bucket, name: u.Scheme, compress: compress}, nil
}

// Key returns the object key a batch of schema.table with state id is
// stored under.
func (b *BlobWriter) Key(schema, table, state string) string {
	key := path.Join(schema, table, state+".jsonl")
	if b.compress {
		key += ".zst"
	}
	return key
}

func (b *BlobWriter) Write(ctx context.Context, rows []driver.Row) error {
	if len(rows) == 0 {
		return nil
	}
	schema, table := tableOf(rows[0])
	key := b.Key(schema, table, stateOf(rows[0]))

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(normalizeRow(row)); err != nil {
			return fmt.Errorf("encoding row: %w", err)
		}
	}

	w, err := b.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if err := b.copy(w, &buf); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func (b *BlobWriter) copy(w io.Writer, r io.Reader) error {
	if !b.compress {
		_, err := io.Copy(w, r)
		return err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func (b *BlobWriter) Close(context.Context) error {
	if b.bucket != nil {
		return b.bucket.Close()
	}
	return nil
}

func (b *BlobWriter) Name() string { return b.name }
