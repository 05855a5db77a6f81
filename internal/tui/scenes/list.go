package scenes

// listCursor tracks the selected row and the first visible row of a
// scrolling list of n items.
type listCursor struct {
	pos    int
	offset int
	rows   int
}

func (c *listCursor) up() {
	if c.pos > 0 {
		c.pos--
	}
	c.offset = min(c.offset, c.pos)
}

func (c *listCursor) down(n int) {
	if c.pos < n-1 {
		c.pos++
	}
	if c.pos >= c.offset+c.rows {
		c.offset = c.pos - c.rows + 1
	}
}

func (c *listCursor) pageUp() {
	c.pos = max(0, c.pos-c.rows)
	c.offset = max(0, c.offset-c.rows)
}

func (c *listCursor) pageDown(n int) {
	c.pos = max(0, min(n-1, c.pos+c.rows))
	c.offset = min(max(0, n-c.rows), c.offset+c.rows)
}

// clamp keeps the cursor inside a list that now holds n items.
func (c *listCursor) clamp(n int) {
	if c.pos >= n {
		c.pos = max(0, n-1)
	}
	c.offset = min(c.offset, c.pos)
}

func (c *listCursor) reset() { c.pos, c.offset = 0, 0 }

// window returns the visible slice bounds of a list of n items.
func (c *listCursor) window(n int) (int, int) {
	return c.offset, min(c.offset+c.rows, n)
}

// key applies a navigation key and reports whether it was one.
func (c *listCursor) key(k string, n int) bool {
	switch k {
	case "up", "k":
		c.up()
	case "down", "j":
		c.down(n)
	case "pgup":
		c.pageUp()
	case "pgdown":
		c.pageDown(n)
	default:
		return false
	}
	return true
}
