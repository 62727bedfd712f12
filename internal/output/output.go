// Package output writes extracted batches to their destination: JSON lines
// on stdout, JSON line objects in a blob bucket, or MongoDB collections.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/johndauphine/pgextract/internal/driver"
)

// Writer persists batches. A batch is durable once Write returns nil, which
// is when the host commits the batch's checkpoint.
type Writer interface {
	Write(ctx context.Context, rows []driver.Row) error
	Close(ctx context.Context) error

	// Name identifies the destination in logs and metrics.
	Name() string
}

// Config selects and configures the destination.
type Config struct {
	// URL is "-" for stdout, file:// or s3:// for a bucket, mongodb:// or
	// mongodb+srv:// for MongoDB.
	URL      string `yaml:"url" env:"PGEXTRACT_OUTPUT_URL" env-default:"-"`
	Compress string `yaml:"compress" env:"PGEXTRACT_OUTPUT_COMPRESS" env-default:"none" validate:"omitempty,oneof=none zstd"`
	Database string `yaml:"database" env:"PGEXTRACT_OUTPUT_DATABASE" env-default:"pgextract"`
}

// New opens the writer named by cfg.URL.
func New(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.URL == "" || cfg.URL == "-" {
		return NewJSONLWriter(os.Stdout, "stdout"), nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing output url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file", "s3":
		return NewBlobWriter(ctx, cfg.URL, cfg.Compress == "zstd")
	case "mongodb", "mongodb+srv":
		return NewMongoWriter(ctx, cfg.URL, cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported output scheme %q (valid: -, file, s3, mongodb)", u.Scheme)
	}
}

// JSONLWriter writes one JSON object per row to an io.Writer.
type JSONLWriter struct {
	w    io.Writer
	enc  *json.Encoder
	name string
}

// NewJSONLWriter creates a writer encoding rows onto w.
func NewJSONLWriter(w io.Writer, name string) *JSONLWriter {
	return &JSONLWriter{w: w, enc: json.NewEncoder(w), name: name}
}

func (j *JSONLWriter) Write(_ context.Context, rows []driver.Row) error {
	for _, row := range rows {
		if err := j.enc.Encode(normalizeRow(row)); err != nil {
			return fmt.Errorf("encoding row: %w", err)
		}
	}
	return nil
}

func (j *JSONLWriter) Close(context.Context) error {
	if f, ok := j.w.(*os.File); ok && f != os.Stdout {
		return f.Close()
	}
	return nil
}

func (j *JSONLWriter) Name() string { return j.name }

// normalizeRow converts driver values into forms that encode predictably.
func normalizeRow(row driver.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = driver.NormalizeValue(v)
	}
	return out
}

func tableOf(row driver.Row) (schema, table string) {
	schema, _ = row["__schemaname"].(string)
	table, _ = row["__tablename"].(string)
	return schema, table
}

func stateOf(row driver.Row) string {
	s, _ := row["__state"].(string)
	return s
}
