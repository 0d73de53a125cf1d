package usage

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tsvHeader matches the external observability contract verbatim:
// timestamp, text_model, input_tokens, output_tokens, total_tokens,
// text_cost_usd, image_model, image_tokens, image_count,
// image_cost_usd, post_text.
const tsvHeader = "timestamp\ttext_model\tinput_tokens\toutput_tokens\ttotal_tokens\ttext_cost_usd\timage_model\timage_tokens\timage_count\timage_cost_usd\tpost_text\n"

// tsvWriter appends one line per usage record to a flat TSV file. It
// is the exact-contract counterpart to the queryable SQLite table:
// operators scraping the TSV never need to know the schema evolves.
type tsvWriter struct {
	mu sync.Mutex
	f  *os.File
}

func newTSVWriter(path string) (*tsvWriter, error) {
	needsHeader := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open usage tsv %q: %w", path, err)
	}

	w := &tsvWriter{f: f}
	if needsHeader {
		if _, err := f.WriteString(tsvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write usage tsv header: %w", err)
		}
	}
	return w, nil
}

func (w *tsvWriter) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fields := []string{
		rec.Timestamp.UTC().Format(time.RFC3339),
		tsvEscape(rec.TextModel),
		strconv.Itoa(rec.InputTokens),
		strconv.Itoa(rec.OutputTokens),
		strconv.Itoa(rec.TotalTokens()),
		strconv.FormatFloat(rec.TextCostUSD, 'f', 6, 64),
		tsvEscape(rec.ImageModel),
		strconv.Itoa(rec.ImageTokens),
		strconv.Itoa(rec.ImageCount),
		strconv.FormatFloat(rec.ImageCostUSD, 'f', 6, 64),
		tsvEscape(rec.PostText),
	}

	_, err := w.f.WriteString(strings.Join(fields, "\t") + "\n")
	return err
}

func (w *tsvWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// tsvEscape strips characters that would break the flat TSV line
// format: tabs, newlines, and carriage returns collapse to a space.
func tsvEscape(s string) string {
	replacer := strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")
	return replacer.Replace(s)
}
