package process

import (
	"container/list"

	"github.com/influxdata/consensus"
)

// DefaultResultCacheSize is the number of results a driver keeps to answer
// resubmissions of commands that already executed.
const DefaultResultCacheSize = 4096

// resultCache remembers the results of the last maxLength executed
// submissions. The least recently used result is ejected first.
type resultCache struct {
	results   map[consensus.CommandID]*list.Element
	lru       *list.List
	maxLength int
}

type cachedResult struct {
	id  consensus.CommandID
	res consensus.Result
}

// newResultCache returns a cache holding up to sz results. If sz is not
// positive, the default is used.
func newResultCache(sz int) *resultCache {
	if sz <= 0 {
		sz = DefaultResultCacheSize
	}
	return &resultCache{
		results:   make(map[consensus.CommandID]*list.Element),
		lru:       list.New(),
		maxLength: sz,
	}
}

func (c *resultCache) get(id consensus.CommandID) (consensus.Result, bool) {
	e, ok := c.results[id]
	if !ok {
		return consensus.Result{}, false
	}
	c.lru.MoveToFront(e)
	return e.Value.(*cachedResult).res, true
}

func (c *resultCache) put(id consensus.CommandID, res consensus.Result) {
	if e, ok := c.results[id]; ok {
		e.Value.(*cachedResult).res = res
		c.lru.MoveToFront(e)
		return
	}
	c.results[id] = c.lru.PushFront(&cachedResult{id: id, res: res})
	for c.lru.Len() > c.maxLength {
		e := c.lru.Back()
		c.lru.Remove(e)
		delete(c.results, e.Value.(*cachedResult).id)
	}
}

func (c *resultCache) len() int { return c.lru.Len() }
