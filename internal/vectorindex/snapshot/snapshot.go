// Package snapshot stores built indices as parquet files in an object store.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/sqlrag/internal/storage"
	"github.com/duckmesh/sqlrag/internal/vectorindex"
)

const contentType = "application/vnd.apache.parquet"

type entryRow struct {
	Position   int64     `parquet:"position"`
	Text       string    `parquet:"text"`
	RecordJSON string    `parquet:"record_json"`
	Field      string    `parquet:"field"`
	Vector     []float32 `parquet:"vector"`
}

// Encode writes every entry of ix, in insertion order, as one parquet row.
func Encode(ix *vectorindex.Index) ([]byte, error) {
	chunks := ix.Chunks()
	vectors := ix.Vectors()
	if len(chunks) == 0 {
		return nil, fmt.Errorf("index is empty")
	}

	rows := make([]entryRow, len(chunks))
	for i, chunk := range chunks {
		row := entryRow{Position: int64(i), Text: chunk.Text, Field: chunk.Field, Vector: vectors[i]}
		if chunk.Record != nil {
			record, err := json.Marshal(chunk.Record)
			if err != nil {
				return nil, fmt.Errorf("marshal record at position %d: %w", i, err)
			}
			row.RecordJSON = string(record)
		}
		rows[i] = row
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[entryRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads chunks and vectors back in position order. Record values come
// back as JSON types, so integers become float64.
func Decode(data []byte) ([]vectorindex.Chunk, [][]float32, error) {
	reader := parquet.NewGenericReader[entryRow](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]entryRow, reader.NumRows())
	read := 0
	for read < len(rows) {
		n, err := reader.Read(rows[read:])
		read += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("read parquet rows: %w", err)
		}
	}
	if read != len(rows) {
		return nil, nil, fmt.Errorf("read parquet rows: got %d of %d", read, len(rows))
	}

	chunks := make([]vectorindex.Chunk, len(rows))
	vectors := make([][]float32, len(rows))
	for i, row := range rows {
		if row.Position != int64(i) {
			return nil, nil, fmt.Errorf("row %d has position %d", i, row.Position)
		}
		chunk := vectorindex.Chunk{Text: row.Text, Field: row.Field}
		if row.RecordJSON != "" {
			if err := json.Unmarshal([]byte(row.RecordJSON), &chunk.Record); err != nil {
				return nil, nil, fmt.Errorf("decode record at position %d: %w", i, err)
			}
		}
		chunks[i] = chunk
		vectors[i] = row.Vector
	}
	return chunks, vectors, nil
}

// Store implements the database context snapshot contract on top of an
// object store.
type Store struct {
	Objects storage.ObjectStore
	Logger  *slog.Logger
}

func (s *Store) Save(ctx context.Context, dbType, dbName, index string, ix *vectorindex.Index) error {
	key, err := storage.BuildSnapshotPath(dbType, dbName, index)
	if err != nil {
		return err
	}
	data, err := Encode(ix)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", key, err)
	}
	if _, err := s.Objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("store %s snapshot: %w", key, err)
	}
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "index snapshot saved", slog.String("key", key), slog.Int("entries", ix.Len()))
	}
	return nil
}

// Load restores the stored index without calling the embedder. A missing
// snapshot is reported as found=false with a nil error.
func (s *Store) Load(ctx context.Context, dbType, dbName, index string, embedder vectorindex.Embedder, opts vectorindex.Options) (*vectorindex.Index, bool, error) {
	key, err := storage.BuildSnapshotPath(dbType, dbName, index)
	if err != nil {
		return nil, false, err
	}
	body, err := s.Objects.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s snapshot: %w", key, err)
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, false, fmt.Errorf("read %s snapshot: %w", key, err)
	}

	chunks, vectors, err := Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s snapshot: %w", key, err)
	}
	ix, err := vectorindex.Restore(ctx, chunks, vectors, embedder, opts)
	if err != nil {
		return nil, false, fmt.Errorf("restore %s snapshot: %w", key, err)
	}
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "index snapshot loaded", slog.String("key", key), slog.Int("entries", ix.Len()))
	}
	return ix, true, nil
}

func (s *Store) Delete(ctx context.Context, dbType, dbName, index string) error {
	key, err := storage.BuildSnapshotPath(dbType, dbName, index)
	if err != nil {
		return err
	}
	return s.Objects.Delete(ctx, key)
}
