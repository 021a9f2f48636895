package display

import (
	"bufio"
	"fmt"
	"io"

	"github.com/born-ml/ug/internal/lazy"
)

// DOT writes the buffer graph behind s in Graphviz format. Each kernel's
// outputs are grouped in a cluster labelled with the kernel name; host
// loads are green and roots are blue. Render with "dot -Tpng".
func DOT(w io.Writer, s *lazy.Schedule) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph schedule {")
	fmt.Fprintln(bw, "  rankdir=TB;")
	fmt.Fprintln(bw, `  node [shape=box, style="rounded,filled", fillcolor=white, fontname="Arial"];`)
	fmt.Fprintln(bw, `  edge [fontname="Arial", fontsize=10];`)
	fmt.Fprintln(bw)

	roots := map[*lazy.Buffer]bool{}
	for _, r := range s.Roots() {
		roots[r] = true
	}

	var order []*lazy.Buffer
	seen := map[*lazy.Buffer]bool{}
	var visit func(b *lazy.Buffer)
	visit = func(b *lazy.Buffer) {
		if seen[b] {
			return
		}
		seen[b] = true
		for _, src := range b.Srcs() {
			visit(src)
		}
		order = append(order, b)
	}
	for _, r := range s.Roots() {
		visit(r)
	}

	for _, b := range order {
		color := "white"
		switch {
		case roots[b]:
			color = "lightblue"
		case b.Kind() == lazy.OpCopy || b.Kind() == lazy.OpSlice:
			color = "lightgreen"
		case b.IsRealized():
			color = "lightgrey"
		}
		fmt.Fprintf(bw, "  n%d [label=\"#%d %s\\n%s%v\", fillcolor=%s];\n",
			b.ID(), b.ID(), escape(b.OpName()), b.DType(), b.Shape(), color)
	}
	fmt.Fprintln(bw)

	for i, it := range s.Items() {
		name := "copy"
		switch it := it.(type) {
		case *lazy.KernelItem:
			name = it.Kernel.Name
		case *lazy.MatMulItem:
			name = "matmul"
		}
		fmt.Fprintf(bw, "  subgraph cluster_%d {\n", i)
		fmt.Fprintf(bw, "    label=\"%d: %s\";\n    style=dashed;\n", i, escape(name))
		for _, b := range it.Outputs() {
			fmt.Fprintf(bw, "    n%d;\n", b.ID())
		}
		fmt.Fprintln(bw, "  }")
	}

	for _, b := range order {
		for _, src := range b.Srcs() {
			fmt.Fprintf(bw, "  n%d -> n%d;\n", src.ID(), b.ID())
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func escape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
