package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/isseis/go-patch-engine/internal/codecache"
	"github.com/isseis/go-patch-engine/internal/color"
	"github.com/isseis/go-patch-engine/internal/engine"
	"github.com/isseis/go-patch-engine/internal/isa"
)

// writeListing prints one table per block: each source instruction next to
// the rule applied to it and the code generated for it.
func writeListing(w io.Writer, dis isa.Disassembler, mem engine.Memory, entries []*codecache.Entry, useColor bool) error {
	heading := color.If(useColor, color.Blue)
	for i, e := range entries {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		title := fmt.Sprintf("block %#x-%#x -> %#x (%d bytes, %s)", e.Key.Addr, e.SourceEnd, e.Addr, len(e.Code), e.Key.Context)
		if _, err := fmt.Fprintln(w, heading(title)); err != nil {
			return err
		}

		table := newTable(w, "SOURCE", "ORIGINAL", "RULE", "ADDRESS", "GENERATED")
		pc := e.Key.Addr
		for j := range e.Instructions() {
			src, n := disassemble(dis, mem.Bytes(pc), pc)
			lo, hi := e.Offsets[j], len(e.Code)
			if j+1 < len(e.Offsets) {
				hi = e.Offsets[j+1]
			}
			table.Append([]string{
				fmt.Sprintf("%#x", pc),
				src,
				e.Rules[j],
				fmt.Sprintf("%#x", e.Addr+uint64(lo)),
				strings.Join(disassembleAll(dis, e.Code[lo:hi], e.Addr+uint64(lo)), "; "),
			})
			pc += uint64(n)
		}
		table.Render()
	}
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator(" ")
	table.SetCenterSeparator(" ")
	table.SetHeaderLine(false)
	return table
}

// disassemble renders the instruction at the start of code, or its bytes
// when it cannot be decoded.
func disassemble(dis isa.Disassembler, code []byte, pc uint64) (string, int) {
	if len(code) == 0 {
		return "(unmapped)", 0
	}
	text, n, err := dis.Disassemble(code, pc)
	if err != nil || n == 0 {
		return fmt.Sprintf(".byte %#02x", code[0]), 1
	}
	return text, n
}

func disassembleAll(dis isa.Disassembler, code []byte, pc uint64) []string {
	var out []string
	for len(code) > 0 {
		text, n := disassemble(dis, code, pc)
		out = append(out, text)
		code = code[n:]
		pc += uint64(n)
	}
	return out
}
