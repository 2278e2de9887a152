package board

// Collection maps article ID to Article for one source, preserving insertion
// order. Order mirrors page order and is used for presentation only; lookups
// go through the index.
//
// Collection is not safe for concurrent use. The snapshot store owns the live
// collection per source and only that source's poll cycle mutates it.
type Collection struct {
	order []string
	index map[string]*Article
}

func NewCollection() *Collection {
	return &Collection{index: map[string]*Article{}}
}

func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

func (c *Collection) Get(id string) (*Article, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.index[id]
	return a, ok
}

// Put inserts or replaces an article. First insertion fixes its position.
func (c *Collection) Put(a *Article) {
	if a == nil || a.ID == "" {
		return
	}
	if _, ok := c.index[a.ID]; !ok {
		c.order = append(c.order, a.ID)
	}
	c.index[a.ID] = a
}

func (c *Collection) Delete(id string) {
	if c == nil {
		return
	}
	if _, ok := c.index[id]; !ok {
		return
	}
	delete(c.index, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Articles returns the articles in insertion (page) order.
func (c *Collection) Articles() []*Article {
	if c == nil {
		return nil
	}
	out := make([]*Article, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.index[id])
	}
	return out
}

// Range calls fn for each article in insertion order until fn returns false.
func (c *Collection) Range(fn func(a *Article) bool) {
	if c == nil {
		return
	}
	for _, id := range c.order {
		if !fn(c.index[id]) {
			return
		}
	}
}
