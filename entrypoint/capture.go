package entrypoint

import "sync"

type declareFunc func(Declaration, Task)

var (
	hookMu    sync.Mutex
	hook      declareFunc = run
	captureMu sync.Mutex
)

// captured is the panic value carrying a trapped declaration.
type captured struct {
	decl Declaration
}

// Main declares the config tree and runs task. Depending on the process
// environment it instead reports the declaration or resolves configurations
// for a parent process, without running task. Main does not return.
func Main(decl Declaration, task Task) {
	hookMu.Lock()
	declare := hook
	hookMu.Unlock()
	declare(decl, task)
}

// Capture runs fn with Main replaced by a trap and returns the declaration
// fn passed to Main. fn must call Main on the calling goroutine. Main is
// restored on every path; panics other than the trap are re-raised.
//
// Capture is the in-process seam for an executable's own tests, typically
// entrypoint.Capture(main). Parents inspecting another executable use the
// discover mode of the child protocol instead, since the executable's
// registrations must not run in the parent.
func Capture(fn func()) (decl Declaration, err error) {
	captureMu.Lock()
	defer captureMu.Unlock()

	restore := swapHook(func(d Declaration, _ Task) {
		panic(captured{decl: d})
	})
	defer restore()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		c, ok := r.(captured)
		if !ok {
			panic(r)
		}
		decl, err = c.decl, nil
	}()

	fn()
	return Declaration{}, ErrNoEntryPoint
}

func swapHook(next declareFunc) func() {
	hookMu.Lock()
	previous := hook
	hook = next
	hookMu.Unlock()
	return func() {
		hookMu.Lock()
		hook = previous
		hookMu.Unlock()
	}
}
