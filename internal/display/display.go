// Package display renders compiler data structures for people: layouts,
// operation trees, lowered kernels and schedules as text, tables and
// Graphviz DOT.
package display

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/lazy"
	"github.com/born-ml/ug/internal/tensor"
)

// Layout describes l on one line, including whether it is contiguous.
func Layout(l *tensor.Layout) string {
	kind := "strided"
	if l.IsContiguous() {
		kind = "contiguous"
	}
	return fmt.Sprintf("%s %s max offset %d", l, kind, l.MaxOffset())
}

// Op renders an operation tree, one node per line, children indented.
func Op(n op.Ast) string {
	var sb strings.Builder
	writeOp(&sb, n, 0)
	return sb.String()
}

func writeOp(sb *strings.Builder, n op.Ast, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	switch n := n.(type) {
	case *op.Load:
		fmt.Fprintf(sb, "load arg%d %s %s\n", n.Arg, n.Type, n.Layout)
	case *op.ConstNode:
		fmt.Fprintf(sb, "const %s %v\n", n.Value, n.Dims)
	case *op.Unary:
		if n.Op == op.Cast {
			fmt.Fprintf(sb, "cast -> %s %v\n", n.Type, n.Shape())
		} else {
			fmt.Fprintf(sb, "%s %s%v\n", n.Op, n.Type, n.Shape())
		}
		writeOp(sb, n.X, depth+1)
	case *op.Binary:
		fmt.Fprintf(sb, "%s %s%v\n", n.Op, n.DType(), n.Shape())
		writeOp(sb, n.Lhs, depth+1)
		writeOp(sb, n.Rhs, depth+1)
	case *op.Reduce:
		fmt.Fprintf(sb, "reduce %s dim %d %s%v\n", n.Op, n.Dim, n.DType(), n.Shape())
		writeOp(sb, n.X, depth+1)
	default:
		fmt.Fprintf(sb, "%T\n", n)
	}
}

// OpKernel renders the signature and stores of an op-level kernel.
func OpKernel(k *op.Kernel) string {
	var sb strings.Builder
	args := make([]string, len(k.Args))
	for i, a := range k.Args {
		args[i] = fmt.Sprintf("arg%d *%s", a.ID, a.DType)
	}
	fmt.Fprintf(&sb, "kernel %s(%s)\n", k.Name, strings.Join(args, ", "))
	for _, st := range k.Stores {
		fmt.Fprintf(&sb, "  store arg%d %s\n", st.Dst, st.Layout)
		writeOp(&sb, st.Value, 2)
	}
	return sb.String()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// Kernel writes the lowered instruction listing as a table. Loop and
// guard bodies are indented.
func Kernel(w io.Writer, k *ssa.Kernel) {
	if k.UsesGrid() {
		fmt.Fprintf(w, "grid %d x block %d\n", k.GridDim, k.BlockDim)
	}
	table := newTable(w, "VAR", "INSTRUCTION")
	depth := 0
	for i, in := range k.Instrs {
		if in.Kind == ssa.EndRange || in.Kind == ssa.EndIf {
			depth--
		}
		v := ""
		if in.Kind.HasValue() {
			v = fmt.Sprintf("%%%d", i)
		}
		table.Append([]string{v, strings.Repeat("  ", depth) + in.String()})
		if in.Kind == ssa.Range || in.Kind == ssa.If {
			depth++
		}
	}
	table.Render()
}

func ids(bufs []*lazy.Buffer) string {
	parts := make([]string, len(bufs))
	for i, b := range bufs {
		parts[i] = fmt.Sprintf("#%d", b.ID())
	}
	return strings.Join(parts, " ")
}

func itemRow(step int, it lazy.Item) []string {
	var kind, name string
	switch it := it.(type) {
	case *lazy.KernelItem:
		kind, name = "kernel", it.Kernel.Name
	case *lazy.MatMulItem:
		kind, name = "matmul", fmt.Sprint(it.BMNK)
	case *lazy.CopyItem:
		kind, name = "copy", it.Dst.DType().String()
	}
	out := it.Outputs()[0]
	return []string{
		fmt.Sprint(step), kind, name, ids(it.Inputs()), ids(it.Outputs()),
		fmt.Sprintf("%s%v", out.DType(), out.Shape()),
	}
}

// Schedule writes one table row per schedule item.
func Schedule(w io.Writer, s *lazy.Schedule) {
	table := newTable(w, "STEP", "KIND", "NAME", "INPUTS", "OUTPUTS", "SHAPE")
	for i, it := range s.Items() {
		table.Append(itemRow(i, it))
	}
	table.Render()
}
