package usage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultRetention     = 30 * 24 * time.Hour
	defaultSegmentMaxAge = 6 * time.Hour
)

// Event is one relayed request's usage sample, appended to a
// zstd-compressed JSONL segment per hour directory.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Route            string    `json:"route"`
	Model            string    `json:"model,omitempty"`
	KeyName          string    `json:"key_name,omitempty"`
	StatusCode       int       `json:"status_code"`
	Streamed         bool      `json:"streamed,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
}

type Summary struct {
	PeriodSeconds    int64          `json:"period_seconds"`
	Requests         int            `json:"requests"`
	FailedRequests   int            `json:"failed_requests"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	AvgLatencyMS     float64        `json:"avg_latency_ms"`
	RequestsPerRoute map[string]int `json:"requests_per_route"`
	RequestsPerModel map[string]int `json:"requests_per_model"`
	RequestsPerKey   map[string]int `json:"requests_per_key"`
}

type Store struct {
	mu        sync.Mutex
	dir       string
	retention time.Duration

	writer    *segmentWriter
	writerDir string
	lastPrune time.Time
}

func New(dir string) *Store {
	s := &Store{dir: strings.TrimSpace(dir), retention: defaultRetention}
	_ = os.MkdirAll(s.dir, 0o700)
	return s
}

func (s *Store) Append(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	} else {
		evt.Timestamp = evt.Timestamp.UTC()
	}
	if err := s.openWriterLocked(evt.Timestamp); err != nil {
		return err
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := s.writer.writeLine(line, evt.Timestamp); err != nil {
		return err
	}
	if time.Since(s.writer.openedAt) >= defaultSegmentMaxAge {
		return s.closeWriterLocked()
	}
	return nil
}

// Flush seals the open segment so Summarize sees everything appended so far.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWriterLocked()
}

func (s *Store) Close() error {
	return s.Flush()
}

// Summarize aggregates events within the trailing period.
func (s *Store) Summarize(period time.Duration, now time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if err := s.closeWriterLocked(); err != nil {
		return Summary{}, err
	}
	s.pruneLocked(now)

	cutoff := now.Add(-period)
	sum := Summary{
		PeriodSeconds:    int64(period.Seconds()),
		RequestsPerRoute: map[string]int{},
		RequestsPerModel: map[string]int{},
		RequestsPerKey:   map[string]int{},
	}
	segs, err := listSegments(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sum, nil
		}
		return Summary{}, err
	}
	latencySum := int64(0)
	for _, seg := range segs {
		if seg.max.Before(cutoff) {
			continue
		}
		err := scanEvents(seg.path, cutoff, now, func(evt Event) {
			sum.Requests++
			if evt.StatusCode >= 400 {
				sum.FailedRequests++
			}
			sum.PromptTokens += evt.PromptTokens
			sum.CompletionTokens += evt.CompletionTokens
			sum.TotalTokens += evt.TotalTokens
			latencySum += evt.LatencyMS
			sum.RequestsPerRoute[evt.Route]++
			if evt.Model != "" {
				sum.RequestsPerModel[evt.Model]++
			}
			if evt.KeyName != "" {
				sum.RequestsPerKey[evt.KeyName]++
			}
		})
		if err != nil {
			return Summary{}, err
		}
	}
	if sum.Requests > 0 {
		sum.AvgLatencyMS = float64(latencySum) / float64(sum.Requests)
	}
	return sum, nil
}

func (s *Store) openWriterLocked(ts time.Time) error {
	hourDir := filepath.Join(s.dir, ts.Format("2006"), ts.Format("01"), ts.Format("02"), ts.Format("15"))
	if s.writer != nil && s.writerDir == hourDir {
		return nil
	}
	if err := s.closeWriterLocked(); err != nil {
		return err
	}
	w, err := newSegmentWriter(hourDir)
	if err != nil {
		return err
	}
	s.writer = w
	s.writerDir = hourDir
	return nil
}

func (s *Store) closeWriterLocked() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.close()
	s.writer = nil
	s.writerDir = ""
	return err
}

func (s *Store) pruneLocked(now time.Time) {
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < time.Hour {
		return
	}
	cutoff := now.Add(-s.retention)
	segs, err := listSegments(s.dir)
	if err != nil {
		return
	}
	for _, seg := range segs {
		if seg.max.Before(cutoff) {
			_ = os.Remove(seg.path)
		}
	}
	s.lastPrune = now
}

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

type segmentMeta struct {
	path string
	min  time.Time
	max  time.Time
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", seq))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	if _, err := w.enc.Write([]byte("\n")); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) close() error {
	if w == nil {
		return nil
	}
	if w.enc != nil {
		_ = w.enc.Close()
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d.jsonl.zst",
		w.minTs.UTC().Unix(), w.maxTs.UTC().Unix(), w.seq))
	return os.Rename(w.pathTmp, final)
}

func listSegments(root string) ([]segmentMeta, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	out := []segmentMeta{}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl.zst") || strings.HasPrefix(name, "open-") {
			return nil
		}
		parts := strings.Split(strings.TrimSuffix(name, ".jsonl.zst"), "-")
		if len(parts) < 3 {
			return nil
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		out = append(out, segmentMeta{path: path, min: time.Unix(minUnix, 0).UTC(), max: time.Unix(maxUnix, 0).UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].min.Equal(out[j].min) {
			return out[i].path < out[j].path
		}
		return out[i].min.Before(out[j].min)
	})
	return out, nil
}

func scanEvents(path string, from, to time.Time, fn func(Event)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		ts := evt.Timestamp.UTC()
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		fn(evt)
	}
	return sc.Err()
}
