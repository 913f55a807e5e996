package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Recording is a call recording attached to a fiche, as reported by the
// transcription service.
type Recording struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	StartedAt   time.Time         `json:"started_at"`
	Transcribed bool              `json:"transcribed"`
	Chunks      []TranscriptChunk `json:"chunks,omitempty"`
}

// TranscriptChunk is one diarized segment of a transcript.
type TranscriptChunk struct {
	Index   int     `json:"index"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
}

// TimelineRecording is a transcribed recording with its position in the timeline.
type TimelineRecording struct {
	Index       int               `json:"index"`
	RecordingID string            `json:"recording_id"`
	Date        string            `json:"date"`
	Time        string            `json:"time"`
	URL         string            `json:"url"`
	Chunks      []TranscriptChunk `json:"chunks"`
}

// Timeline is the chronologically ordered evidence available to a run.
type Timeline struct {
	Recordings []TimelineRecording `json:"recordings"`
}

// BuildTimeline keeps transcribed recordings that have at least one chunk,
// orders them by start time and assigns recording indices from 0.
func BuildTimeline(recordings []Recording) *Timeline {
	usable := make([]Recording, 0, len(recordings))
	for _, r := range recordings {
		if r.Transcribed && len(r.Chunks) > 0 {
			usable = append(usable, r)
		}
	}

	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].StartedAt.Equal(usable[j].StartedAt) {
			return usable[i].ID < usable[j].ID
		}
		return usable[i].StartedAt.Before(usable[j].StartedAt)
	})

	tl := &Timeline{Recordings: make([]TimelineRecording, 0, len(usable))}
	for i, r := range usable {
		chunks := append([]TranscriptChunk(nil), r.Chunks...)
		sort.SliceStable(chunks, func(a, b int) bool { return chunks[a].Index < chunks[b].Index })

		tl.Recordings = append(tl.Recordings, TimelineRecording{
			Index:       i,
			RecordingID: r.ID,
			Date:        r.StartedAt.UTC().Format("2006-01-02"),
			Time:        r.StartedAt.UTC().Format("15:04:05"),
			URL:         r.URL,
			Chunks:      chunks,
		})
	}
	return tl
}

// Empty returns true if the timeline has no usable evidence.
func (t *Timeline) Empty() bool {
	return t == nil || len(t.Recordings) == 0
}

// Recording returns the recording at the given timeline index.
func (t *Timeline) Recording(index int) (TimelineRecording, bool) {
	if t == nil || index < 0 || index >= len(t.Recordings) {
		return TimelineRecording{}, false
	}
	return t.Recordings[index], true
}

// Has returns true if the (recording, chunk) pair exists in the timeline.
func (t *Timeline) Has(recordingIndex, chunkIndex int) bool {
	rec, ok := t.Recording(recordingIndex)
	if !ok {
		return false
	}
	for _, c := range rec.Chunks {
		if c.Index == chunkIndex {
			return true
		}
	}
	return false
}

// ChunkCount returns the total number of chunks across all recordings.
func (t *Timeline) ChunkCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, r := range t.Recordings {
		n += len(r.Chunks)
	}
	return n
}

// Text renders the whole timeline as the prompt context for the Evaluator.
func (t *Timeline) Text() string {
	if t.Empty() {
		return ""
	}
	var b strings.Builder
	for _, r := range t.Recordings {
		writeRecordingHeader(&b, r)
		for _, c := range r.Chunks {
			writeChunk(&b, r.Index, c)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Excerpt renders only the chunks mentioning one of the keywords.
// It returns an empty string when nothing matches.
func (t *Timeline) Excerpt(keywords []string) string {
	if t.Empty() || len(keywords) == 0 {
		return ""
	}

	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	if len(lowered) == 0 {
		return ""
	}

	var b strings.Builder
	for _, r := range t.Recordings {
		headerWritten := false
		for _, c := range r.Chunks {
			text := strings.ToLower(c.Text)
			for _, k := range lowered {
				if strings.Contains(text, k) {
					if !headerWritten {
						writeRecordingHeader(&b, r)
						headerWritten = true
					}
					writeChunk(&b, r.Index, c)
					break
				}
			}
		}
	}
	return b.String()
}

func writeRecordingHeader(b *strings.Builder, r TimelineRecording) {
	fmt.Fprintf(b, "## Recording %d (%s %s)\n", r.Index, r.Date, r.Time)
}

func writeChunk(b *strings.Builder, recordingIndex int, c TranscriptChunk) {
	fmt.Fprintf(b, "[%d:%d] [%s] %s: %s\n", recordingIndex, c.Index, formatOffset(c.Start), c.Speaker, c.Text)
}

func formatOffset(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%02d:%02d", m, s)
}

// EnrichCitations copies the results and fills every citation with the date,
// time and url of its recording. Citations pointing at an unknown recording get
// NotAvailable in all three fields.
func EnrichCitations(results []StepResult, tl *Timeline) []StepResult {
	out := make([]StepResult, len(results))
	for i, r := range results {
		r = r.Clone()
		for j := range r.ControlPoints {
			cits := r.ControlPoints[j].Citations
			for k := range cits {
				rec, ok := tl.Recording(cits[k].RecordingIndex)
				if !ok {
					cits[k].RecordingDate = NotAvailable
					cits[k].RecordingTime = NotAvailable
					cits[k].RecordingURL = NotAvailable
					continue
				}
				cits[k].RecordingDate = orNotAvailable(rec.Date)
				cits[k].RecordingTime = orNotAvailable(rec.Time)
				cits[k].RecordingURL = orNotAvailable(rec.URL)
			}
		}
		out[i] = r
	}
	return out
}

func orNotAvailable(s string) string {
	if s == "" {
		return NotAvailable
	}
	return s
}
