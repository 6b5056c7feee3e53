package gateway

// callHeap is a min-heap over (priority, seq): most urgent first, FIFO
// within the same priority.
type callHeap []*pendingCall

func (h callHeap) Len() int { return len(h) }

func (h callHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h callHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *callHeap) Push(x any) {
	call := x.(*pendingCall)
	call.index = len(*h)
	*h = append(*h, call)
}

func (h *callHeap) Pop() any {
	old := *h
	last := len(old) - 1
	call := old[last]
	old[last] = nil
	call.index = -1
	*h = old[:last]
	return call
}
