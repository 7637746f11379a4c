package mesh

// Logger is the structured logger mesh components write to. Args are
// alternating key/value pairs, as with slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// componentLogger tags every line with the component that wrote it.
type componentLogger struct {
	l    Logger
	name string
}

// WithComponent returns a Logger that adds component=name to every line.
func WithComponent(l Logger, name string) Logger {
	if l == nil {
		return NewNopLogger()
	}
	return &componentLogger{l: l, name: name}
}

func (c *componentLogger) args(args []any) []any {
	return append([]any{"component", c.name}, args...)
}

func (c *componentLogger) Debug(msg string, args ...any) { c.l.Debug(msg, c.args(args)...) }
func (c *componentLogger) Info(msg string, args ...any)  { c.l.Info(msg, c.args(args)...) }
func (c *componentLogger) Warn(msg string, args ...any)  { c.l.Warn(msg, c.args(args)...) }
func (c *componentLogger) Error(msg string, args ...any) { c.l.Error(msg, c.args(args)...) }
