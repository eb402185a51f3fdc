package reloc

// TotalSize returns the number of bytes the sequence emits.
func TotalSize(seq []Instr) int {
	n := 0
	for _, in := range seq {
		n += in.Size()
	}
	return n
}

// ResolveAll binds every temp-register instruction of seq. The input is not
// modified.
func ResolveAll(seq []Instr, b Bindings) ([]Instr, error) {
	out := make([]Instr, len(seq))
	for n, in := range seq {
		r, err := in.Resolve(b)
		if err != nil {
			return nil, err
		}
		out[n] = r
	}
	return out, nil
}

// EmitAll emits seq contiguously starting at addr.
func EmitAll(seq []Instr, addr uint64, b Bindings) ([]byte, error) {
	out := make([]byte, 0, TotalSize(seq))
	for _, in := range seq {
		code, err := in.Emit(addr+uint64(len(out)), b)
		if err != nil {
			return nil, err
		}
		out = append(out, code...)
	}
	return out, nil
}
