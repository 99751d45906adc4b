package dispatcher

import "github.com/justyse-oj/dispatcher/internal/queue"

// admissionItem is one pending judge request: a submission id paired with
// the caller's message queue.
type admissionItem struct {
	submissionID string
	queue        *queue.Queue
}

// admissionFIFO is a plain, mutex-protected FIFO. It is deliberately not a
// channel: the scheduling loop needs to peek-and-requeue an item when the
// pool isn't free yet, which a channel cannot do without losing order.
type admissionFIFO struct {
	items []admissionItem
}

func (f *admissionFIFO) push(item admissionItem) {
	f.items = append(f.items, item)
}

// pushFront re-admits an item at the head of the queue, used when the pool
// was not free at pop time.
func (f *admissionFIFO) pushFront(item admissionItem) {
	f.items = append([]admissionItem{item}, f.items...)
}

func (f *admissionFIFO) pop() (admissionItem, bool) {
	if len(f.items) == 0 {
		return admissionItem{}, false
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true
}

func (f *admissionFIFO) len() int {
	return len(f.items)
}
