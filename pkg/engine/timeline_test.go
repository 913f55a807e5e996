package engine

import (
	"strings"
	"testing"
	"time"
)

func TestBuildTimeline_OrdersAndFilters(t *testing.T) {
	base := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	recs := []Recording{
		{ID: "late", StartedAt: base.Add(2 * time.Hour), Transcribed: true, Chunks: []TranscriptChunk{{Index: 0, Text: "late"}}},
		{ID: "pending", StartedAt: base, Transcribed: false, Chunks: []TranscriptChunk{{Index: 0, Text: "x"}}},
		{ID: "empty", StartedAt: base, Transcribed: true},
		{ID: "early", StartedAt: base.Add(time.Hour), Transcribed: true, Chunks: []TranscriptChunk{
			{Index: 1, Text: "second"},
			{Index: 0, Text: "first"},
		}},
	}

	tl := BuildTimeline(recs)
	if len(tl.Recordings) != 2 {
		t.Fatalf("recordings = %d, want 2", len(tl.Recordings))
	}
	if tl.Recordings[0].RecordingID != "early" || tl.Recordings[0].Index != 0 {
		t.Errorf("first = %s/%d, want early/0", tl.Recordings[0].RecordingID, tl.Recordings[0].Index)
	}
	if tl.Recordings[1].RecordingID != "late" || tl.Recordings[1].Index != 1 {
		t.Errorf("second = %s/%d, want late/1", tl.Recordings[1].RecordingID, tl.Recordings[1].Index)
	}
	if tl.Recordings[0].Chunks[0].Text != "first" {
		t.Errorf("chunks not ordered by index")
	}
	if tl.ChunkCount() != 3 {
		t.Errorf("ChunkCount() = %d, want 3", tl.ChunkCount())
	}
	if !tl.Has(1, 0) || tl.Has(2, 0) || tl.Has(0, 5) {
		t.Error("Has() reports wrong membership")
	}
}

func TestTimeline_TextAndExcerpt(t *testing.T) {
	tl := BuildTimeline(testRecordings(2))

	text := tl.Text()
	if !strings.Contains(text, "[0:0] [00:00] agent: Hello, this call is recorded") {
		t.Errorf("Text() missing first chunk:\n%s", text)
	}
	if !strings.Contains(text, "## Recording 1 (2025-03-14 10:30:00)") {
		t.Errorf("Text() missing recording header:\n%s", text)
	}

	excerpt := tl.Excerpt([]string{"CONTRACT"})
	if !strings.Contains(excerpt, "premium contract") {
		t.Errorf("Excerpt() missing match:\n%s", excerpt)
	}
	if strings.Contains(excerpt, "Hello") {
		t.Errorf("Excerpt() includes non-matching chunk:\n%s", excerpt)
	}
	if tl.Excerpt([]string{"refund"}) != "" {
		t.Error("Excerpt() without matches should be empty")
	}
	if tl.Excerpt(nil) != "" {
		t.Error("Excerpt() without keywords should be empty")
	}
}

func TestTimeline_Empty(t *testing.T) {
	var nilTimeline *Timeline
	if !nilTimeline.Empty() || nilTimeline.Text() != "" {
		t.Error("nil timeline should be empty")
	}
	if !BuildTimeline(nil).Empty() {
		t.Error("timeline without recordings should be empty")
	}
}
