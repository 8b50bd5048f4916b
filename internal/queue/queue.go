// Package queue implements a doubly-linked FIFO/priority queue used
// throughout the core (scheduler run queues, synchronization-primitive
// waiters, IPI parameter delivery). All
// operations take the queue's own lock, which is interrupt-safe, so a
// queue may be shared between ordinary code and an interrupt handler.
package queue

import (
	"github.com/utk-project/utk-kernel/internal/critsec"
	"github.com/utk-project/utk-kernel/internal/kerr"
)

// Node is one link in a queue. A node may belong to at most one queue
// at a time; Enlisted enforces that. Priority is only meaningful when
// the node was inserted with PushPriority.
type Node struct {
	prev, next *Node
	priority   uint64
	enlisted   bool

	// Data is the caller's payload, compared by pointer/value identity
	// (Go's == over an any holding a pointer does exactly that).
	Data any
}

// NewNode allocates a fresh, unenlisted node carrying data.
func NewNode(data any) *Node {
	return &Node{Data: data}
}

// Enlisted reports whether the node currently belongs to a queue.
func (n *Node) Enlisted() bool { return n.enlisted }

// DestroyNode releases a node. Destroying an enlisted node is an error.
func DestroyNode(n *Node) error {
	if n == nil {
		return kerr.New(kerr.NullPointer, "queue.DestroyNode", "")
	}
	if n.enlisted {
		return kerr.New(kerr.UnauthorizedAction, "queue.DestroyNode", "node still enlisted")
	}
	n.prev, n.next, n.Data = nil, nil, nil
	return nil
}

// Queue is a doubly-linked node chain. The zero value is a valid, empty
// queue.
type Queue struct {
	head, tail *Node
	size       int
	lock       critsec.Lock

	// PanicOnBadRemove changes Remove on a node this queue never
	// enlisted from a silent no-op (the default, suited to ordinary
	// teardown code) into a panic, for callers that maintain a strict
	// invariant about which queue owns a node.
	PanicOnBadRemove bool
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// Destroy tears the queue down. It is an error to destroy a non-empty
// queue.
func (q *Queue) Destroy() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.size != 0 {
		return kerr.New(kerr.UnauthorizedAction, "queue.Destroy", "queue not empty")
	}
	return nil
}

// Size returns the number of enlisted nodes.
func (q *Queue) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// Push appends n at the tail (FIFO discipline: oldest sits at head, Pop
// removes the head). Constant time.
func (q *Queue) Push(n *Node) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.linkAtTail(n)
}

func (q *Queue) linkAtTail(n *Node) {
	n.next = nil
	n.prev = q.tail
	if q.tail != nil {
		q.tail.next = n
	} else {
		q.head = n
	}
	q.tail = n
	n.enlisted = true
	q.size++
}

// PushPriority inserts n in priority order: scanning from head while the
// cursor's priority is greater than or equal to p, inserting before the
// first cursor whose priority is < p. Head holds the highest priority;
// insertion among equal priorities is stable, so Pop returns equal
// priorities oldest first.
func (q *Queue) PushPriority(n *Node, p uint64) {
	q.lock.Lock()
	defer q.lock.Unlock()

	n.priority = p
	cur := q.head
	for cur != nil && cur.priority >= p {
		cur = cur.next
	}
	if cur == nil {
		// lowest priority so far (or empty queue): goes at the tail.
		n.prev = q.tail
		n.next = nil
		if q.tail != nil {
			q.tail.next = n
		} else {
			q.head = n
		}
		q.tail = n
	} else {
		// insert n immediately before cur.
		n.next = cur
		n.prev = cur.prev
		if cur.prev != nil {
			cur.prev.next = n
		} else {
			q.head = n
		}
		cur.prev = n
	}
	n.enlisted = true
	q.size++
}

// Pop detaches and returns the head node (highest priority, or oldest in
// FIFO order), clearing its Enlisted flag. It returns nil on an empty
// queue.
func (q *Queue) Pop() *Node {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := q.head
	if n == nil {
		return nil
	}
	q.unlink(n)
	return n
}

// Find scans from head to tail comparing data by pointer/value identity
// and returns the first matching node, or nil.
func (q *Queue) Find(data any) *Node {
	q.lock.Lock()
	defer q.lock.Unlock()
	for cur := q.head; cur != nil; cur = cur.next {
		if cur.Data == data {
			return cur
		}
	}
	return nil
}

// Remove unlinks n from the queue in O(1), wherever it sits. If
// PanicOnBadRemove is set and n is not enlisted (e.g. already removed,
// or belongs to a different queue), Remove panics rather than silently
// doing nothing.
func (q *Queue) Remove(n *Node) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !n.enlisted {
		if q.PanicOnBadRemove {
			panic("queue: remove of node that is not enlisted")
		}
		return
	}
	q.unlink(n)
}

// unlink assumes the caller holds q.lock and that n is enlisted.
func (q *Queue) unlink(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.prev, n.next = nil, nil
	n.enlisted = false
	q.size--
}
