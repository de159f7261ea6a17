package worker

import (
	"strings"
	"sync"
)

// outbox accumulates plain-text worker lines for the pull endpoint.
type outbox struct {
	mu    sync.Mutex
	lines []string
}

func (o *outbox) push(line string) {
	o.mu.Lock()
	o.lines = append(o.lines, line)
	o.mu.Unlock()
}

// drain returns everything accumulated so far and empties the queue.
func (o *outbox) drain() string {
	o.mu.Lock()
	lines := o.lines
	o.lines = nil
	o.mu.Unlock()
	return strings.Join(lines, "\n")
}
