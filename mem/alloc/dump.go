package alloc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/joshuapare/devmem/internal/format"
	"github.com/joshuapare/devmem/internal/logger"
)

// Dump writes a human-readable report of every block to w:
//
//	>> allocator=device, used=1,024B, free=130,048B(~127KB), peak=1,024B, pools=1
//	| list="used", size=1,024B
//	| | addr=0x0000000100000000, size=1,024B, head=1, annotation='weights'
//	|
//	| list="free", size=130,048B(~127KB)
//	| | addr=0x0000000100000400, size=130,048B(~127KB), head=0, annotation=''
//	|
func (a *Allocator) Dump(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeReport(w)
}

// DumpFile writes the report to path, truncating it.
func (a *Allocator) DumpFile(path string) error {
	var buf bytes.Buffer
	if err := a.Dump(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func (a *Allocator) writeReport(w io.Writer) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, ">> allocator=%s, used=%s, free=%s, peak=%s, pools=%d\n",
		a.cfg.Name,
		format.HumanSize(a.sumList(a.used)),
		format.HumanSize(a.sumList(a.free)),
		format.HumanSize(a.peak),
		len(a.pools))
	a.writeList(bw, "used", a.used)
	a.writeList(bw, "free", a.free)
	fmt.Fprintln(bw)

	return bw.Flush()
}

func (a *Allocator) writeList(w io.Writer, name string, head int) {
	fmt.Fprintf(w, "| list=%q, size=%s\n", name, format.HumanSize(a.sumList(head)))
	for cur := head; cur != nilBlock; cur = a.blocks[cur].next {
		b := &a.blocks[cur]
		h := 0
		if b.head {
			h = 1
		}
		fmt.Fprintf(w, "| | addr=%#016x, size=%s, head=%d, annotation='%s'\n",
			b.addr, format.HumanSize(b.size), h, b.label)
	}
	fmt.Fprintln(w, "|")
}

// dumpLocked emits the report after a failed allocation: to the configured
// sink, to DumpPath, or else to the logger.
func (a *Allocator) dumpLocked(reason string) {
	var buf bytes.Buffer
	if err := a.writeReport(&buf); err != nil {
		return
	}

	logger.L.Warn("allocation failed", "allocator", a.cfg.Name, "reason", reason)

	switch {
	case a.sink != nil:
		if _, err := a.sink.Write(buf.Bytes()); err != nil {
			logger.L.Error("writing allocator report", "allocator", a.cfg.Name, "err", err)
		}
	case a.cfg.DumpPath != "":
		if err := os.WriteFile(a.cfg.DumpPath, buf.Bytes(), 0o644); err != nil {
			logger.L.Error("writing allocator report", "allocator", a.cfg.Name,
				"path", a.cfg.DumpPath, "err", err)
		}
	default:
		logger.L.Debug("allocator state", "allocator", a.cfg.Name, "report", buf.String())
	}
}
