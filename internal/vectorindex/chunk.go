package vectorindex

import "fmt"

// Chunk is one unit of retrievable content. Free text lives in Text; a
// structured record keeps all of its fields in Record and names the one used
// for embedding in Field.
type Chunk struct {
	Text   string
	Record map[string]any
	Field  string
}

func TextChunks(texts []string) []Chunk {
	chunks := make([]Chunk, 0, len(texts))
	for _, text := range texts {
		chunks = append(chunks, Chunk{Text: text})
	}
	return chunks
}

func RecordChunks(records []map[string]any, field string) []Chunk {
	chunks := make([]Chunk, 0, len(records))
	for _, record := range records {
		chunks = append(chunks, Chunk{Record: record, Field: field})
	}
	return chunks
}

func (c Chunk) IsRecord() bool {
	return c.Record != nil
}

// EmbedText returns the text handed to the embedding function.
func (c Chunk) EmbedText() string {
	if c.Record == nil {
		return c.Text
	}
	switch value := c.Record[c.Field].(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}

func (c Chunk) String() string {
	return c.EmbedText()
}

func chunkTexts(chunks []Chunk) []string {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.EmbedText()
	}
	return texts
}
