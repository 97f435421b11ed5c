package sema

// workKind tags a work item. The scheduler switches exhaustively on it; a
// new kind must be handled at every dispatch site.
type workKind uint8

const (
	workAnalyzeDecl workKind = iota
	workCodegenDecl
)

func (k workKind) String() string {
	switch k {
	case workAnalyzeDecl:
		return "analyze_decl"
	case workCodegenDecl:
		return "codegen_decl"
	}
	return "unknown"
}

type workItem struct {
	kind workKind
	decl *Decl
}

// workQueue is the single FIFO backlog of pending analysis and codegen
// tasks. It is drained to empty on every update; processing one item may
// append more. The engine is single-threaded, so no locking is needed.
type workQueue struct {
	items []workItem
}

func (q *workQueue) push(it workItem) {
	q.items = append(q.items, it)
}

func (q *workQueue) pop() (workItem, bool) {
	if len(q.items) == 0 {
		return workItem{}, false
	}
	it := q.items[0]
	// Nil the slot so the backing array does not retain the Decl.
	q.items[0] = workItem{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return it, true
}

func (q *workQueue) len() int { return len(q.items) }
