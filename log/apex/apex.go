package apex

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/unkn0wn-root/deptusers/swr"
)

var _ swr.Logger = Logger{}

// Logger forwards to an apex/log Interface (the package-level log.Log or a
// *log.Entry with preset fields).
type Logger struct{ L log.Interface }

func (a Logger) Debug(msg string, f swr.Fields) { a.with(f).Debug(msg) }
func (a Logger) Info(msg string, f swr.Fields)  { a.with(f).Info(msg) }
func (a Logger) Warn(msg string, f swr.Fields)  { a.with(f).Warn(msg) }
func (a Logger) Error(msg string, f swr.Fields) { a.with(f).Error(msg) }

func (a Logger) with(f swr.Fields) log.Interface {
	if len(f) == 0 {
		return a.L
	}
	return a.L.WithFields(log.Fields(f))
}

// Handler writes one line per entry: timestamp, level initial, message and
// the fields sorted by name.
type Handler struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewHandler(w io.Writer) *Handler {
	return &Handler{w: w, now: time.Now}
}

// HandleLog implements the log.Handler interface
func (h *Handler) HandleLog(e *log.Entry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %.1s %s", h.now().Format("2006-01-02 15:04:05"), strings.ToUpper(e.Level.String()), e.Message)

	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}
