package scenes

import "testing"

func TestListCursor(t *testing.T) {
	tests := []struct {
		name       string
		keys       []string
		n          int
		wantPos    int
		wantOffset int
	}{
		{"down scrolls", []string{"down", "down", "down"}, 10, 3, 1},
		{"down stops at end", []string{"j", "j", "j", "j"}, 2, 1, 0},
		{"up stops at top", []string{"up", "k"}, 10, 0, 0},
		{"up pulls window", []string{"down", "down", "down", "up", "up", "up"}, 10, 0, 0},
		{"page down", []string{"pgdown"}, 10, 3, 3},
		{"page down clamps", []string{"pgdown", "pgdown", "pgdown", "pgdown"}, 10, 9, 7},
		{"page up", []string{"pgdown", "pgup"}, 10, 0, 0},
		{"empty list", []string{"down", "pgdown"}, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := listCursor{rows: 3}
			for _, k := range tt.keys {
				if !c.key(k, tt.n) {
					t.Fatalf("key %q not handled", k)
				}
			}
			if c.pos != tt.wantPos || c.offset != tt.wantOffset {
				t.Errorf("cursor = %d/%d, want %d/%d", c.pos, c.offset, tt.wantPos, tt.wantOffset)
			}
		})
	}
}

func TestListCursorClampAndWindow(t *testing.T) {
	c := listCursor{pos: 8, offset: 6, rows: 3}
	c.clamp(4)
	if c.pos != 3 || c.offset != 3 {
		t.Errorf("after clamp = %d/%d", c.pos, c.offset)
	}
	if from, to := c.window(4); from != 3 || to != 4 {
		t.Errorf("window = %d..%d", from, to)
	}
	if c.key("enter", 4) {
		t.Error("enter is not a navigation key")
	}
}
