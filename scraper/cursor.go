package scraper

import "github.com/aluiziolira/go-scrape-reviews/models"

// PageRequestSpec is the offset/limit pair for one page request.
type PageRequestSpec struct {
	Offset int
	Limit  int
}

// PageCursor tracks the pagination offset and decides when the run ends.
// Offset never decreases and terminal is set exactly once.
type PageCursor struct {
	offset   int
	pageSize int
	maxPages int
	pages    int
	terminal bool
	reason   models.StopReason
}

// NewPageCursor starts a cursor at offset zero.
func NewPageCursor(pageSize, maxPages int) *PageCursor {
	return &PageCursor{pageSize: pageSize, maxPages: maxPages}
}

// Next returns the request parameters for the page at the cursor.
func (c *PageCursor) Next() PageRequestSpec {
	return c.Peek(0)
}

// Peek returns the request parameters ahead pages past the cursor.
func (c *PageCursor) Peek(ahead int) PageRequestSpec {
	return PageRequestSpec{Offset: c.offset + ahead*c.pageSize, Limit: c.pageSize}
}

// Advance commits a fetched page that returned items entries. A full page
// moves the offset forward; a short page ends the run. A page larger than
// the page size ends the run and is reported as a protocol anomaly.
func (c *PageCursor) Advance(items int) error {
	if c.terminal {
		return nil
	}
	c.pages++

	switch {
	case items > c.pageSize || items < 0:
		c.terminate(models.StopProtocolAnomaly)
		return ErrProtocolAnomaly{Items: items, PageSize: c.pageSize}
	case items < c.pageSize:
		c.terminate(models.StopEndOfData)
		return nil
	}

	c.offset += c.pageSize
	c.checkCeiling()
	return nil
}

// Skip moves past a page that could not be fetched or parsed.
func (c *PageCursor) Skip() {
	if c.terminal {
		return
	}
	c.pages++
	c.offset += c.pageSize
	c.checkCeiling()
}

// Stop ends the run for reason unless it already ended.
func (c *PageCursor) Stop(reason models.StopReason) {
	c.terminate(reason)
}

// Remaining reports how many more pages may be requested under the ceiling.
func (c *PageCursor) Remaining() int {
	if c.terminal {
		return 0
	}
	return c.maxPages - c.pages
}

// Terminal reports whether the run has reached a stop condition.
func (c *PageCursor) Terminal() bool { return c.terminal }

// Reason returns why the cursor stopped, or "" while it is still active.
func (c *PageCursor) Reason() models.StopReason { return c.reason }

// Offset returns the offset of the next page to request.
func (c *PageCursor) Offset() int { return c.offset }

// Pages returns how many pages were advanced past or skipped.
func (c *PageCursor) Pages() int { return c.pages }

func (c *PageCursor) checkCeiling() {
	if c.maxPages > 0 && c.pages >= c.maxPages {
		c.terminate(models.StopMaxPages)
	}
}

func (c *PageCursor) terminate(reason models.StopReason) {
	if c.terminal {
		return
	}
	c.terminal = true
	c.reason = reason
}
