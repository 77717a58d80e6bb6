package filter

import (
	"context"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Aman-CERP/tonecapture/internal/capture"
)

// column is a sorted numeric (or date) column of one attribute: distinct
// ordinals in ascending order, each with its posting list.
type column struct {
	keys  []capture.Ordinal
	posts map[capture.Ordinal]*roaring.Bitmap
}

func newColumn() *column { return &column{posts: make(map[capture.Ordinal]*roaring.Bitmap)} }

// search returns the first index whose key is >= ord, or > ord when after is set.
func (c *column) search(ord capture.Ordinal, after bool) int {
	return sort.Search(len(c.keys), func(i int) bool {
		cmp := c.keys[i].Compare(ord)
		return cmp > 0 || (cmp == 0 && !after)
	})
}

func (c *column) add(ord capture.Ordinal, doc uint32) {
	bm, ok := c.posts[ord]
	if !ok {
		bm = roaring.New()
		c.posts[ord] = bm
		i := c.search(ord, false)
		c.keys = append(c.keys, capture.Ordinal{})
		copy(c.keys[i+1:], c.keys[i:])
		c.keys[i] = ord
	}
	bm.Add(doc)
}

func (c *column) remove(ord capture.Ordinal, doc uint32) {
	bm, ok := c.posts[ord]
	if !ok {
		return
	}
	bm.Remove(doc)
	if bm.IsEmpty() {
		delete(c.posts, ord)
		i := c.search(ord, false)
		if i < len(c.keys) && c.keys[i] == ord {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
		}
	}
}

// between returns the union of postings with lo <(=) key <(=) hi.
func (c *column) between(lo, hi Bound, loOrd, hiOrd capture.Ordinal) *roaring.Bitmap {
	start := 0
	if lo.Set {
		start = c.search(loOrd, !lo.Inclusive)
	}
	end := len(c.keys)
	if hi.Set {
		end = c.search(hiOrd, hi.Inclusive)
	}
	if start >= end {
		return roaring.New()
	}
	parts := make([]*roaring.Bitmap, 0, end-start)
	for _, k := range c.keys[start:end] {
		parts = append(parts, c.posts[k])
	}
	return roaring.FastOr(parts...)
}

type docEntry struct {
	terms []string
	ords  []ordRef
}

type ordRef struct {
	col string
	ord capture.Ordinal
}

// bitmapBackend keeps roaring posting lists per attribute value and sorted
// columns for numbers and dates. Not safe for concurrent use; Index locks.
type bitmapBackend struct {
	nextDoc uint32
	docs    map[string]uint32
	ids     map[uint32]string
	entries map[uint32]docEntry
	all     *roaring.Bitmap
	posts   map[string]*roaring.Bitmap
	columns map[string]*column
}

func newBitmapBackend() *bitmapBackend {
	b := &bitmapBackend{}
	b.reset()
	return b
}

func (b *bitmapBackend) name() string { return "bitmap" }

func (b *bitmapBackend) reset() {
	b.nextDoc = 0
	b.docs = make(map[string]uint32)
	b.ids = make(map[uint32]string)
	b.entries = make(map[uint32]docEntry)
	b.all = roaring.New()
	b.posts = make(map[string]*roaring.Bitmap)
	b.columns = make(map[string]*column)
}

func columnKey(attr string, v capture.Value) string {
	return attr + "\x1f" + valueClass(v)
}

func (b *bitmapBackend) index(id string, attrs capture.Attributes) error {
	b.remove(id)

	doc := b.nextDoc
	b.nextDoc++
	b.docs[id] = doc
	b.ids[doc] = id
	b.all.Add(doc)

	var entry docEntry
	for attr, vals := range attrs {
		for _, v := range vals {
			t := term(attr, v)
			bm, ok := b.posts[t]
			if !ok {
				bm = roaring.New()
				b.posts[t] = bm
			}
			bm.Add(doc)
			entry.terms = append(entry.terms, t)

			if ord, ok := v.Ordinal(); ok {
				key := columnKey(attr, v)
				col, ok := b.columns[key]
				if !ok {
					col = newColumn()
					b.columns[key] = col
				}
				col.add(ord, doc)
				entry.ords = append(entry.ords, ordRef{col: key, ord: ord})
			}
		}
	}
	b.entries[doc] = entry
	return nil
}

func (b *bitmapBackend) remove(id string) error {
	doc, ok := b.docs[id]
	if !ok {
		return nil
	}
	entry := b.entries[doc]
	for _, t := range entry.terms {
		if bm, ok := b.posts[t]; ok {
			bm.Remove(doc)
			if bm.IsEmpty() {
				delete(b.posts, t)
			}
		}
	}
	for _, ref := range entry.ords {
		if col, ok := b.columns[ref.col]; ok {
			col.remove(ref.ord, doc)
			if len(col.keys) == 0 {
				delete(b.columns, ref.col)
			}
		}
	}
	b.all.Remove(doc)
	delete(b.entries, doc)
	delete(b.ids, doc)
	delete(b.docs, id)
	return nil
}

func (b *bitmapBackend) count() int { return len(b.docs) }

func (b *bitmapBackend) query(ctx context.Context, p Predicate) (IDSet, error) {
	bm, err := b.eval(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make(IDSet, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out[b.ids[it.Next()]] = struct{}{}
	}
	return out, nil
}

func (b *bitmapBackend) eval(ctx context.Context, p Predicate) (*roaring.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch p := p.(type) {
	case allPred:
		return b.all.Clone(), nil
	case eqPred:
		return b.posting(term(p.attr, p.value)), nil
	case inPred:
		parts := make([]*roaring.Bitmap, 0, len(p.values))
		for _, v := range p.values {
			if bm, ok := b.posts[term(p.attr, v)]; ok {
				parts = append(parts, bm)
			}
		}
		return roaring.FastOr(parts...), nil
	case rangePred:
		loOrd, hiOrd, class, err := rangeBounds(p)
		if err != nil {
			return nil, err
		}
		col, ok := b.columns[p.attr+"\x1f"+class]
		if !ok {
			return roaring.New(), nil
		}
		return col.between(p.lo, p.hi, loOrd, hiOrd), nil
	case andPred:
		if len(p.preds) == 0 {
			return b.all.Clone(), nil
		}
		acc, err := b.eval(ctx, p.preds[0])
		if err != nil {
			return nil, err
		}
		for _, sub := range p.preds[1:] {
			if acc.IsEmpty() {
				return acc, nil
			}
			bm, err := b.eval(ctx, sub)
			if err != nil {
				return nil, err
			}
			acc.And(bm)
		}
		return acc, nil
	case orPred:
		acc := roaring.New()
		for _, sub := range p.preds {
			bm, err := b.eval(ctx, sub)
			if err != nil {
				return nil, err
			}
			acc.Or(bm)
		}
		return acc, nil
	case notPred:
		bm, err := b.eval(ctx, p.pred)
		if err != nil {
			return nil, err
		}
		return roaring.AndNot(b.all, bm), nil
	}
	return nil, invalidQuery("unsupported predicate %T", p)
}

func (b *bitmapBackend) posting(t string) *roaring.Bitmap {
	if bm, ok := b.posts[t]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

func (b *bitmapBackend) close() error { return nil }
