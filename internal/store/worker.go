package store

import "database/sql"

// job is a unit of work dispatched to the single serializing worker
// goroutine that owns the SQL connection, per spec §4.1/§5: "all SQL
// operations are dispatched to that worker and return futures resolved on
// the main scheduler". Go has no implicit main-scheduler resumption, so the
// "future" here is a buffered result channel the caller reads from — the
// equivalent of resuming on the caller's own goroutine once the worker
// finishes.
type job struct {
	fn     func(*sql.DB) (any, error)
	result chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// worker runs on its own goroutine for the lifetime of the Store and is the
// only goroutine that ever touches db directly (spec §4.1: "the persistence
// worker thread owns the SQL connection exclusively; the main scheduler
// never touches it directly").
type worker struct {
	db   *sql.DB
	jobs chan job
	done chan struct{}
}

func newWorker(db *sql.DB) *worker {
	w := &worker{db: db, jobs: make(chan job, 64), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for j := range w.jobs {
		v, err := j.fn(w.db)
		j.result <- jobResult{value: v, err: err}
	}
}

// submit dispatches fn to the worker and blocks until it completes,
// returning its result. This is the "future resolved on the main
// scheduler" from the caller's point of view.
func (w *worker) submit(fn func(*sql.DB) (any, error)) (any, error) {
	res := make(chan jobResult, 1)
	w.jobs <- job{fn: fn, result: res}
	r := <-res
	return r.value, r.err
}

// close stops accepting work and waits for the worker to drain.
func (w *worker) close() {
	close(w.jobs)
	<-w.done
}
