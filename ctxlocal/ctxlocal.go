package ctxlocal

import (
	"context"
)

// Frame is the set of context stacks owned by a single logical task.
// A Frame must only be used by the task that owns it.
type Frame struct {
	stacks map[any][]slot
}

// slot is one entered value together with the scope that opened it.
type slot struct {
	value any
	owner *Scope
}

// NewFrame creates an empty frame
func NewFrame() *Frame {
	return &Frame{stacks: make(map[any][]slot)}
}

// Fork returns a frame that starts with the values currently visible in f.
// Pushes on either frame after the fork are not seen by the other.
func (f *Frame) Fork() *Frame {
	child := NewFrame()
	if f == nil {
		return child
	}
	for key, stack := range f.stacks {
		if len(stack) == 0 {
			continue
		}
		child.stacks[key] = append([]slot(nil), stack...)
	}
	return child
}

// depth returns the number of open scopes for the kind identified by key.
func (f *Frame) depth(key any) int {
	if f == nil {
		return 0
	}
	return len(f.stacks[key])
}

func (f *Frame) push(key, value any, owner *Scope) int {
	stack := f.stacks[key]
	f.stacks[key] = append(stack, slot{value: value, owner: owner})
	return len(stack)
}

// truncate pops owner's slot and everything above it. It does nothing when
// owner's slot was already discarded by an enclosing scope.
func (f *Frame) truncate(key any, depth int, owner *Scope) {
	stack := f.stacks[key]
	if depth >= len(stack) || stack[depth].owner != owner {
		return
	}
	for i := depth; i < len(stack); i++ {
		stack[i] = slot{}
	}
	if depth == 0 {
		delete(f.stacks, key)
		return
	}
	f.stacks[key] = stack[:depth]
}

func (f *Frame) top(key any) (any, bool) {
	if f == nil {
		return nil, false
	}
	stack := f.stacks[key]
	if len(stack) == 0 {
		return nil, false
	}
	return stack[len(stack)-1].value, true
}

// Provider resolves the frame of the logical task that is currently running.
type Provider interface {
	CurrentFrame() *Frame
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func() *Frame

// CurrentFrame implements Provider
func (fn ProviderFunc) CurrentFrame() *Frame {
	return fn()
}

// Static returns a provider that always resolves to f.
func Static(f *Frame) Provider {
	return ProviderFunc(func() *Frame { return f })
}

// Kind identifies one independent context stack. Two kinds never collide,
// even when they share a name, because a Kind is keyed by its own identity.
type Kind[T any] struct {
	name     string
	def      T
	provider Provider
}

// NewKind creates a kind whose Current falls back to def when nothing has
// been entered.
func NewKind[T any](name string, def T, provider Provider) *Kind[T] {
	return &Kind[T]{
		name:     name,
		def:      def,
		provider: provider,
	}
}

// Name returns the kind's name
func (k *Kind[T]) Name() string {
	return k.name
}

func (k *Kind[T]) frame() *Frame {
	if k.provider == nil {
		return nil
	}
	return k.provider.CurrentFrame()
}

// Enter pushes value onto this kind's stack in the current task's frame.
// The returned scope must be exited, typically with defer.
func (k *Kind[T]) Enter(value T) *Scope {
	return k.EnterFrame(k.frame(), value)
}

// EnterFrame pushes value onto this kind's stack in an explicit frame.
// A nil frame yields a scope that records nothing.
func (k *Kind[T]) EnterFrame(f *Frame, value T) *Scope {
	if f == nil {
		return &Scope{exited: true}
	}
	scope := &Scope{frame: f, key: k}
	scope.depth = f.push(k, value, scope)
	return scope
}

// Current returns the most recently entered value that is still open in the
// current task, or the default.
func (k *Kind[T]) Current() T {
	return k.CurrentIn(k.frame())
}

// CurrentIn is Current against an explicit frame.
func (k *Kind[T]) CurrentIn(f *Frame) T {
	v, ok := f.top(k)
	if !ok {
		return k.def
	}
	// a nil entered into an interface kind is stored untyped
	t, _ := v.(T)
	return t
}

// FromContext is Current against the frame carried by ctx.
func (k *Kind[T]) FromContext(ctx context.Context) T {
	return k.CurrentIn(FromContext(ctx))
}

// Depth reports how many scopes of this kind are open in the current task.
func (k *Kind[T]) Depth() int {
	return k.frame().depth(k)
}

// With runs fn with value entered. The scope is exited even if fn panics.
func (k *Kind[T]) With(value T, fn func()) {
	scope := k.Enter(value)
	defer scope.Exit()
	fn()
}

// Scope is the handle returned by Enter.
type Scope struct {
	frame  *Frame
	key    any
	depth  int
	exited bool
}

// Exit restores the value that was current before the matching Enter.
// Scopes entered after this one and never exited are discarded with it.
// Calling Exit more than once, or on a scope already discarded by an outer
// Exit, is a no-op.
func (s *Scope) Exit() {
	if s == nil || s.exited {
		return
	}
	s.exited = true
	s.frame.truncate(s.key, s.depth, s)
}

type frameKey struct{}

// NewContext returns a copy of ctx carrying f.
func NewContext(ctx context.Context, f *Frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

// FromContext returns the frame carried by ctx, or nil.
func FromContext(ctx context.Context) *Frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameKey{}).(*Frame)
	return f
}
