// Package progress renders a fixed width completion bar that redraws itself
// in place on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	DefaultWidth  = 40
	DefaultSymbol = "="
	DefaultLabel  = "Progress"
)

// Bar tracks current out of total and renders it as
// "Progress: [=====     ]  50%".
type Bar struct {
	w      io.Writer
	total  int
	width  int
	symbol string
	label  string

	mu      sync.Mutex
	current int
	done    bool
}

// Option configures a Bar
type Option func(*Bar)

func WithWriter(w io.Writer) Option { return func(b *Bar) { b.w = w } }

func WithWidth(width int) Option { return func(b *Bar) { b.width = width } }

func WithSymbol(symbol string) Option { return func(b *Bar) { b.symbol = symbol } }

func WithLabel(label string) Option { return func(b *Bar) { b.label = label } }

// New creates a bar writing to stderr unless WithWriter is given.
func New(total int, opts ...Option) *Bar {
	b := &Bar{
		w:      os.Stderr,
		total:  total,
		width:  DefaultWidth,
		symbol: DefaultSymbol,
		label:  DefaultLabel,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.width <= 0 {
		b.width = DefaultWidth
	}
	if b.symbol == "" {
		b.symbol = DefaultSymbol
	}
	if b.total < 0 {
		b.total = 0
	}
	return b
}

// Update sets the current value and redraws. Values are clamped to
// [0, total].
func (b *Bar) Update(current int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = clamp(current, b.total)
	b.render()
	b.done = false
}

// Render redraws the bar without changing its value.
func (b *Bar) Render() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.render()
	b.done = false
}

// Done fills the bar and moves to a new line. It always sets current to
// total; the line is only ended again if something was drawn since.
func (b *Bar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.total
	if b.done {
		return
	}
	b.render()
	_, _ = fmt.Fprintln(b.w)
	b.done = true
}

// Current returns the current value
func (b *Bar) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Total returns the total the bar was created with
func (b *Bar) Total() int {
	return b.total
}

// Percent returns the completion in [0, 100]. An empty bar counts as done.
func (b *Bar) Percent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.percent()
}

func (b *Bar) percent() int {
	if b.total == 0 {
		return 100
	}
	return b.current * 100 / b.total
}

// String returns the bar as it would be drawn, without the carriage return.
func (b *Bar) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.line()
}

func (b *Bar) line() string {
	filled := b.width
	if b.total > 0 {
		filled = b.current * b.width / b.total
	}
	return fmt.Sprintf("%s: [%s%s] %3d%%",
		b.label,
		strings.Repeat(b.symbol, filled),
		strings.Repeat(" ", b.width-filled),
		b.percent(),
	)
}

func (b *Bar) render() {
	_, _ = fmt.Fprint(b.w, "\r"+b.line())
}

func clamp(v, total int) int {
	if v < 0 {
		return 0
	}
	if v > total {
		return total
	}
	return v
}
