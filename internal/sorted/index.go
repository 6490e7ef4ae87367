// Package sorted keeps, per collateral asset, troves ordered by nominal
// collateral ratio (head = highest NICR, tail = lowest).
package sorted

import (
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/txn"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultMaxSize bounds a list when no explicit size was configured.
const DefaultMaxSize = 1 << 20

var (
	ErrListFull     = errors.New("sorted: list is full")
	ErrNodeExists   = errors.New("sorted: node already in list")
	ErrNodeNotFound = errors.New("sorted: node not in list")
	ErrZeroNICR     = errors.New("sorted: NICR must be positive")
	ErrInvalidSize  = errors.New("sorted: invalid max size")
)

// none marks the absence of a neighbour.
var none = uuid.Nil

type node struct {
	prev uuid.UUID
	next uuid.UUID
	nicr fpmath.Amount
}

type list struct {
	head    uuid.UUID
	tail    uuid.UUID
	size    int
	maxSize int
	nodes   map[uuid.UUID]node
}

// Index is an arena of per-asset doubly linked lists addressed by trove owner id.
type Index struct {
	journal    *txn.Journal
	defaultMax int
	lists      map[string]*list
}

func New(journal *txn.Journal, defaultMax int) *Index {
	if defaultMax <= 0 {
		defaultMax = DefaultMaxSize
	}
	return &Index{
		journal:    journal,
		defaultMax: defaultMax,
		lists:      make(map[string]*list),
	}
}

func (x *Index) list(asset string) *list {
	if l, ok := x.lists[asset]; ok {
		return l
	}
	l := &list{maxSize: x.defaultMax, nodes: make(map[uuid.UUID]node)}
	txn.SetMap(x.journal, x.lists, asset, l)
	return l
}

// SetMaxSize changes the bound of an asset's list. It cannot drop below the current size.
func (x *Index) SetMaxSize(asset string, n int) error {
	l := x.list(asset)
	if n <= 0 || n < l.size {
		return fmt.Errorf("%w: %d (size %d)", ErrInvalidSize, n, l.size)
	}
	txn.Set(x.journal, &l.maxSize, n)
	return nil
}

// Insert links id at the position matching nicr. prevHint/nextHint may be stale or Nil.
func (x *Index) Insert(asset string, id uuid.UUID, nicr fpmath.Amount, prevHint, nextHint uuid.UUID) error {
	l := x.list(asset)
	if l.size >= l.maxSize {
		return fmt.Errorf("%w: %s has %d nodes", ErrListFull, asset, l.size)
	}
	if _, ok := l.nodes[id]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, id)
	}
	if id == none {
		return fmt.Errorf("sorted: nil id")
	}
	if nicr.IsZero() {
		return ErrZeroNICR
	}

	prev, next := l.findInsertPosition(nicr, prevHint, nextHint)
	x.link(l, id, nicr, prev, next)
	return nil
}

func (x *Index) link(l *list, id uuid.UUID, nicr fpmath.Amount, prev, next uuid.UUID) {
	txn.SetMap(x.journal, l.nodes, id, node{prev: prev, next: next, nicr: nicr})

	if prev == none {
		txn.Set(x.journal, &l.head, id)
	} else {
		p := l.nodes[prev]
		p.next = id
		txn.SetMap(x.journal, l.nodes, prev, p)
	}
	if next == none {
		txn.Set(x.journal, &l.tail, id)
	} else {
		n := l.nodes[next]
		n.prev = id
		txn.SetMap(x.journal, l.nodes, next, n)
	}
	txn.Set(x.journal, &l.size, l.size+1)
}

// Remove unlinks id.
func (x *Index) Remove(asset string, id uuid.UUID) error {
	l, ok := x.lists[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	nd, ok := l.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	if nd.prev == none {
		txn.Set(x.journal, &l.head, nd.next)
	} else {
		p := l.nodes[nd.prev]
		p.next = nd.next
		txn.SetMap(x.journal, l.nodes, nd.prev, p)
	}
	if nd.next == none {
		txn.Set(x.journal, &l.tail, nd.prev)
	} else {
		n := l.nodes[nd.next]
		n.prev = nd.prev
		txn.SetMap(x.journal, l.nodes, nd.next, n)
	}
	txn.DeleteMap(x.journal, l.nodes, id)
	txn.Set(x.journal, &l.size, l.size-1)
	return nil
}

// ReInsert moves id to the position of its new NICR.
func (x *Index) ReInsert(asset string, id uuid.UUID, nicr fpmath.Amount, prevHint, nextHint uuid.UUID) error {
	if !x.Contains(asset, id) {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if nicr.IsZero() {
		return ErrZeroNICR
	}
	if err := x.Remove(asset, id); err != nil {
		return err
	}
	return x.Insert(asset, id, nicr, prevHint, nextHint)
}

// FindInsertPosition returns the neighbours nicr would be linked between.
func (x *Index) FindInsertPosition(asset string, nicr fpmath.Amount, prevHint, nextHint uuid.UUID) (uuid.UUID, uuid.UUID) {
	l, ok := x.lists[asset]
	if !ok {
		return none, none
	}
	return l.findInsertPosition(nicr, prevHint, nextHint)
}

func (l *list) validInsertPosition(nicr fpmath.Amount, prev, next uuid.UUID) bool {
	switch {
	case prev == none && next == none:
		return l.size == 0
	case prev == none:
		return l.head == next && nicr.Gte(l.nodes[next].nicr)
	case next == none:
		return l.tail == prev && nicr.Lte(l.nodes[prev].nicr)
	}
	p := l.nodes[prev]
	return p.next == next && p.nicr.Gte(nicr) && nicr.Gte(l.nodes[next].nicr)
}

func (l *list) findInsertPosition(nicr fpmath.Amount, prev, next uuid.UUID) (uuid.UUID, uuid.UUID) {
	if prev != none {
		if p, ok := l.nodes[prev]; !ok || nicr.Gt(p.nicr) {
			prev = none
		}
	}
	if next != none {
		if n, ok := l.nodes[next]; !ok || nicr.Lt(n.nicr) {
			next = none
		}
	}

	if l.validInsertPosition(nicr, prev, next) {
		return prev, next
	}

	switch {
	case prev == none && next == none:
		return l.scanFromNearerEnd(nicr)
	case prev == none:
		return l.ascend(nicr, next)
	default:
		return l.descend(nicr, prev)
	}
}

// scanFromNearerEnd picks the end whose NICR is closer to nicr.
func (l *list) scanFromNearerEnd(nicr fpmath.Amount) (uuid.UUID, uuid.UUID) {
	if l.size == 0 {
		return none, none
	}
	headNICR := l.nodes[l.head].nicr
	tailNICR := l.nodes[l.tail].nicr
	if nicr.Gte(headNICR) {
		return none, l.head
	}
	if nicr.Lte(tailNICR) {
		return l.tail, none
	}
	if headNICR.Sub(nicr).Lte(nicr.Sub(tailNICR)) {
		return l.descend(nicr, l.head)
	}
	return l.ascend(nicr, l.tail)
}

// descend walks toward the tail starting at start (start.nicr >= nicr).
func (l *list) descend(nicr fpmath.Amount, start uuid.UUID) (uuid.UUID, uuid.UUID) {
	if start == l.head && nicr.Gte(l.nodes[start].nicr) {
		return none, l.head
	}
	prev := start
	next := l.nodes[prev].next
	for steps := 0; prev != none && !l.validInsertPosition(nicr, prev, next); steps++ {
		if steps > l.size {
			break
		}
		prev = l.nodes[prev].next
		if prev == none {
			break
		}
		next = l.nodes[prev].next
	}
	if prev == none {
		return l.tail, none
	}
	return prev, next
}

// ascend walks toward the head starting at start (start.nicr <= nicr).
func (l *list) ascend(nicr fpmath.Amount, start uuid.UUID) (uuid.UUID, uuid.UUID) {
	if start == l.tail && nicr.Lte(l.nodes[start].nicr) {
		return l.tail, none
	}
	next := start
	prev := l.nodes[next].prev
	for steps := 0; next != none && !l.validInsertPosition(nicr, prev, next); steps++ {
		if steps > l.size {
			break
		}
		next = l.nodes[next].prev
		if next == none {
			break
		}
		prev = l.nodes[next].prev
	}
	if next == none {
		return none, l.head
	}
	return prev, next
}

// === Queries ===

func (x *Index) Contains(asset string, id uuid.UUID) bool {
	l, ok := x.lists[asset]
	if !ok {
		return false
	}
	_, ok = l.nodes[id]
	return ok
}

func (x *Index) First(asset string) uuid.UUID {
	if l, ok := x.lists[asset]; ok {
		return l.head
	}
	return none
}

func (x *Index) Last(asset string) uuid.UUID {
	if l, ok := x.lists[asset]; ok {
		return l.tail
	}
	return none
}

func (x *Index) Next(asset string, id uuid.UUID) uuid.UUID {
	if l, ok := x.lists[asset]; ok {
		return l.nodes[id].next
	}
	return none
}

func (x *Index) Prev(asset string, id uuid.UUID) uuid.UUID {
	if l, ok := x.lists[asset]; ok {
		return l.nodes[id].prev
	}
	return none
}

// NICR returns the ratio id was inserted with.
func (x *Index) NICR(asset string, id uuid.UUID) fpmath.Amount {
	if l, ok := x.lists[asset]; ok {
		return l.nodes[id].nicr
	}
	return fpmath.Zero()
}

func (x *Index) Size(asset string) int {
	if l, ok := x.lists[asset]; ok {
		return l.size
	}
	return 0
}

func (x *Index) MaxSize(asset string) int {
	if l, ok := x.lists[asset]; ok {
		return l.maxSize
	}
	return x.defaultMax
}

func (x *Index) IsEmpty(asset string) bool {
	return x.Size(asset) == 0
}

func (x *Index) IsFull(asset string) bool {
	return x.Size(asset) >= x.MaxSize(asset)
}

// Walk visits nodes head to tail until fn returns false.
func (x *Index) Walk(asset string, fn func(id uuid.UUID, nicr fpmath.Amount) bool) {
	l, ok := x.lists[asset]
	if !ok {
		return
	}
	for id := l.head; id != none; id = l.nodes[id].next {
		if !fn(id, l.nodes[id].nicr) {
			return
		}
	}
}

// === Snapshot ===

type Entry struct {
	ID   uuid.UUID     `json:"id"`
	NICR fpmath.Amount `json:"nicr"`
}

type ListState struct {
	MaxSize int     `json:"max_size"`
	Order   []Entry `json:"order"`
}

type State struct {
	Lists map[string]ListState `json:"lists"`
}

func (x *Index) Snapshot() State {
	st := State{Lists: make(map[string]ListState, len(x.lists))}
	for asset, l := range x.lists {
		ls := ListState{MaxSize: l.maxSize, Order: make([]Entry, 0, l.size)}
		x.Walk(asset, func(id uuid.UUID, nicr fpmath.Amount) bool {
			ls.Order = append(ls.Order, Entry{ID: id, NICR: nicr})
			return true
		})
		st.Lists[asset] = ls
	}
	return st
}

// Restore rebuilds the lists in snapshot order. Not journaled.
func (x *Index) Restore(st State) error {
	lists := make(map[string]*list, len(st.Lists))
	for asset, ls := range st.Lists {
		if len(ls.Order) > ls.MaxSize {
			return fmt.Errorf("restore %s: %d nodes exceed max size %d", asset, len(ls.Order), ls.MaxSize)
		}
		l := &list{maxSize: ls.MaxSize, nodes: make(map[uuid.UUID]node, len(ls.Order))}
		prev := none
		for i, e := range ls.Order {
			if i > 0 && e.NICR.Gt(ls.Order[i-1].NICR) {
				return fmt.Errorf("restore %s: order violated at %s", asset, e.ID)
			}
			l.nodes[e.ID] = node{prev: prev, nicr: e.NICR}
			if prev == none {
				l.head = e.ID
			} else {
				p := l.nodes[prev]
				p.next = e.ID
				l.nodes[prev] = p
			}
			prev = e.ID
		}
		l.tail = prev
		l.size = len(ls.Order)
		lists[asset] = l
	}
	x.lists = lists
	return nil
}
