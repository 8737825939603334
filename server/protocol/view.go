package protocol

// view for slice of read buffer
// offsets instead of slices so a view never aliases memory after the buffer is compacted
type View struct {
	St  uint16
	End uint16
}

func (v View) Len() int {
	return int(v.End) - int(v.St)
}

// check that view lies inside buf[:limit]
func (v View) Within(limit int) bool {
	return v.St <= v.End && int(v.End) <= limit
}
