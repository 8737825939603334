package conn

import (
	"golang.org/x/sys/unix"
)

// read-only mapping of a served file, zero value maps nothing
type Mapping struct {
	data []byte
}

// map size bytes of fd, empty files are not mapped
func mapFile(fd int, size int64) (Mapping, error) {
	if size == 0 {
		return Mapping{}, nil
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return Mapping{}, err
	}
	return Mapping{data: data}, nil
}

func (m *Mapping) Bytes() []byte {
	return m.data
}

func (m *Mapping) Len() int {
	return len(m.data)
}

// unmap, safe to call any number of times
func (m *Mapping) Release() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
