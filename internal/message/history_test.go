package message

import (
	"fmt"
	"testing"

	"tagarela/internal/models"
)

func item(body string) Item {
	return Item{Message: models.Message{ID: body, Body: body}}
}

func bodies(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Message.Body
	}
	return out
}

func TestHistory_NoWrap(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 5; i++ {
		h.Add(item(fmt.Sprintf("msg %d", i)))
	}

	if h.Len() != 5 {
		t.Errorf("expected 5 items, got %d", h.Len())
	}

	recs := h.Last(2)
	if len(recs) != 2 {
		t.Fatalf("expected 2 items, got %d", len(recs))
	}
	if recs[1].Message.Body != "msg 4" || recs[1].Seq != 4 {
		t.Errorf("unexpected last item %+v", recs[1])
	}
}

func TestHistory_Wrap(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 4; i++ {
		h.Add(item(fmt.Sprintf("msg %d", i)))
	}

	// msg 0 is overwritten.
	expected := []string{"msg 1", "msg 2", "msg 3"}
	got := bodies(h.Last(10))
	if fmt.Sprint(got) != fmt.Sprint(expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestHistory_Range(t *testing.T) {
	h := NewHistory(4)
	for i := 0; i < 7; i++ {
		h.Add(item(fmt.Sprintf("msg %d", i)))
	}

	tests := []struct {
		name     string
		from, to Seq
		want     []string
	}{
		{"Clamped to buffered", 0, 100, []string{"msg 3", "msg 4", "msg 5", "msg 6"}},
		{"Across the wrap", 4, 7, []string{"msg 4", "msg 5", "msg 6"}},
		{"Single", 5, 6, []string{"msg 5"}},
		{"Empty", 6, 6, []string{}},
		{"Evicted", 0, 2, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bodies(h.Range(tt.from, tt.to))
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Range(%d, %d) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestHistory_Empty(t *testing.T) {
	h := NewHistory(3)
	if len(h.Last(5)) != 0 || len(h.Range(0, 5)) != 0 || h.LastSeq() != -1 {
		t.Error("empty history should return nothing")
	}
}
